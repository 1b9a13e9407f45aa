// Package pktline reads and writes the pkt-line framing of the Git transfer
// protocols, the receive-pack command list and the report-status response.
package pktline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// MaxPayload is the largest payload of one packet.
	MaxPayload = 65516
	// MaxSideBandPayload is the largest payload of one side-band-64k packet.
	MaxSideBandPayload = MaxPayload - 1
)

// Side-band channels.
const (
	BandData     byte = 1
	BandProgress byte = 2
	BandError    byte = 3
)

// ZeroHash is the object name Git uses for a missing ref.
const ZeroHash = "0000000000000000000000000000000000000000"

var (
	ErrInvalidLength = errors.New("pktline: invalid length")
	ErrTooLong       = errors.New("pktline: payload too long")
)

// Reader reads packets one at a time. It doesn't read ahead,
// so the underlying reader can be used again after a flush packet.
type Reader struct {
	r   io.Reader
	hdr [4]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadPacket returns the payload of the next packet.
// A flush packet is returned as a nil slice with a nil error.
// The delim and response-end packets of protocol v2 are returned as nil as well.
func (r *Reader) ReadPacket() ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrInvalidLength
		}
		return nil, err
	}
	n, err := strconv.ParseUint(string(r.hdr[:]), 16, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLength, r.hdr[:])
	}
	switch {
	case n <= 2:
		return nil, nil
	case n == 3:
		return nil, fmt.Errorf("%w: %q", ErrInvalidLength, r.hdr[:])
	case n-4 > MaxPayload:
		return nil, ErrTooLong
	}
	p := make([]byte, n-4)
	if _, err = io.ReadFull(r.r, p); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return p, nil
}

// ReadLine is ReadPacket with one trailing LF removed.
func (r *Reader) ReadLine() (line string, flush bool, err error) {
	p, err := r.ReadPacket()
	if err != nil {
		return "", false, err
	}
	if p == nil {
		return "", true, nil
	}
	return strings.TrimSuffix(string(p), "\n"), false, nil
}

type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WritePacket(p []byte) error {
	if len(p) > MaxPayload {
		return ErrTooLong
	}
	buf := make([]byte, 0, len(p)+4)
	buf = fmt.Appendf(buf, "%04x", len(p)+4)
	buf = append(buf, p...)
	_, err := w.w.Write(buf)
	return err
}

// WriteLine writes s followed by LF as one packet.
func (w *Writer) WriteLine(s string) error {
	return w.WritePacket([]byte(s + "\n"))
}

func (w *Writer) WriteFlush() error {
	_, err := io.WriteString(w.w, "0000")
	return err
}

// SideBandWriter splits writes into side-band-64k packets on one channel.
type SideBandWriter struct {
	w    *Writer
	band byte
}

func NewSideBandWriter(w io.Writer, band byte) *SideBandWriter {
	return &SideBandWriter{w: NewWriter(w), band: band}
}

func (s *SideBandWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := min(len(p), MaxSideBandPayload)
		buf := make([]byte, 0, n+1)
		buf = append(buf, s.band)
		buf = append(buf, p[:n]...)
		if err := s.w.WritePacket(buf); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// Command is one ref update requested by git-send-pack.
type Command struct {
	Old string
	New string
	Ref string
}

func (c Command) IsCreate() bool { return c.Old == ZeroHash }
func (c Command) IsDelete() bool { return c.New == ZeroHash }

// Request is the part of a receive-pack request before the pack data.
type Request struct {
	Shallow      []string
	Commands     []Command
	Capabilities []string
}

// HasCapability reports whether the client asked for capability name.
func (r *Request) HasCapability(name string) bool {
	for _, c := range r.Capabilities {
		if c == name || strings.HasPrefix(c, name+"=") {
			return true
		}
	}
	return false
}

// WithoutCapabilities returns a copy of r without the named capabilities.
func (r *Request) WithoutCapabilities(names ...string) *Request {
	out := &Request{Shallow: r.Shallow, Commands: r.Commands}
	for _, c := range r.Capabilities {
		name, _, _ := strings.Cut(c, "=")
		drop := false
		for _, n := range names {
			if name == n {
				drop = true
				break
			}
		}
		if !drop {
			out.Capabilities = append(out.Capabilities, c)
		}
	}
	return out
}

// ReadRequest reads the shallow lines and the command list up to the flush packet.
// It returns io.EOF when the client sent no commands, which it does when it
// has nothing to push.
func ReadRequest(r *Reader) (*Request, error) {
	req := &Request{}
	first := true
	for {
		line, flush, err := r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && first {
				return nil, io.EOF
			}
			return nil, err
		}
		if flush {
			break
		}
		if shallow, ok := strings.CutPrefix(line, "shallow "); ok {
			req.Shallow = append(req.Shallow, shallow)
			continue
		}
		if first {
			var caps string
			line, caps, _ = strings.Cut(line, "\x00")
			req.Capabilities = strings.Fields(caps)
			first = false
		}
		fields := strings.Fields(line)
		if len(fields) != 3 || len(fields[0]) != len(ZeroHash) || len(fields[1]) != len(ZeroHash) {
			return nil, fmt.Errorf("pktline: invalid command %q", line)
		}
		req.Commands = append(req.Commands, Command{Old: fields[0], New: fields[1], Ref: fields[2]})
	}
	if len(req.Commands) == 0 {
		return nil, io.EOF
	}
	return req, nil
}

// WriteRequest writes req as ReadRequest expects it, including the flush packet.
func WriteRequest(w *Writer, req *Request) error {
	for _, s := range req.Shallow {
		if err := w.WriteLine("shallow " + s); err != nil {
			return err
		}
	}
	for i, c := range req.Commands {
		line := c.Old + " " + c.New + " " + c.Ref
		if i == 0 {
			line += "\x00" + strings.Join(req.Capabilities, " ")
		}
		if err := w.WriteLine(line); err != nil {
			return err
		}
	}
	return w.WriteFlush()
}

// RefStatus is the outcome of one command. An empty Error means the ref was updated.
type RefStatus struct {
	Ref   string
	Error string
}

func (s RefStatus) OK() bool { return s.Error == "" }

// Report is a report-status response.
type Report struct {
	UnpackError string // empty means "unpack ok"
	Refs        []RefStatus
}

// ReadReport reads a report-status response up to the flush packet.
// The option lines of report-status-v2 are skipped.
func ReadReport(r *Reader) (*Report, error) {
	line, flush, err := r.ReadLine()
	if err != nil {
		return nil, err
	}
	unpack, ok := strings.CutPrefix(line, "unpack ")
	if flush || !ok {
		return nil, fmt.Errorf("pktline: invalid unpack status %q", line)
	}
	rep := &Report{}
	if unpack != "ok" {
		rep.UnpackError = unpack
	}
	for {
		line, flush, err = r.ReadLine()
		if err != nil {
			return nil, err
		}
		if flush {
			return rep, nil
		}
		switch {
		case strings.HasPrefix(line, "ok "):
			rep.Refs = append(rep.Refs, RefStatus{Ref: strings.TrimPrefix(line, "ok ")})
		case strings.HasPrefix(line, "ng "):
			ref, msg, _ := strings.Cut(strings.TrimPrefix(line, "ng "), " ")
			rep.Refs = append(rep.Refs, RefStatus{Ref: ref, Error: msg})
		case strings.HasPrefix(line, "option "):
		default:
			return nil, fmt.Errorf("pktline: invalid ref status %q", line)
		}
	}
}

// WriteReport writes rep followed by a flush packet. When sideBand is set the
// report is wrapped into the data channel and followed by an outer flush packet.
func WriteReport(w io.Writer, rep *Report, sideBand bool) error {
	var buf bytes.Buffer
	pw := NewWriter(&buf)
	unpack := "ok"
	if rep.UnpackError != "" {
		unpack = rep.UnpackError
	}
	if err := pw.WriteLine("unpack " + unpack); err != nil {
		return err
	}
	for _, s := range rep.Refs {
		line := "ok " + s.Ref
		if !s.OK() {
			line = "ng " + s.Ref + " " + s.Error
		}
		if err := pw.WriteLine(line); err != nil {
			return err
		}
	}
	if err := pw.WriteFlush(); err != nil {
		return err
	}

	if !sideBand {
		_, err := w.Write(buf.Bytes())
		return err
	}
	if _, err := NewSideBandWriter(w, BandData).Write(buf.Bytes()); err != nil {
		return err
	}
	return NewWriter(w).WriteFlush()
}
