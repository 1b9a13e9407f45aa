package pktline

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const (
	oldHash = "1111111111111111111111111111111111111111"
	newHash = "2222222222222222222222222222222222222222"
)

func TestReader(t *testing.T) {
	t.Run("reads packets and flushes", func(t *testing.T) {
		r := NewReader(strings.NewReader("0009hello0000000aworld\nPACK"))
		p, err := r.ReadPacket()
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := string(p), "hello"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		p, err = r.ReadPacket()
		if err != nil || p != nil {
			t.Fatalf("got %q, %v, want a flush", p, err)
		}
		line, flush, err := r.ReadLine()
		if err != nil || flush {
			t.Fatalf("got %v, %v", flush, err)
		}
		if got, want := line, "world"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("leaves the rest of the stream", func(t *testing.T) {
		src := strings.NewReader("0000PACK")
		r := NewReader(src)
		if _, err := r.ReadPacket(); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		rest, _ := io.ReadAll(src)
		if got, want := string(rest), "PACK"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("returns EOF at the end", func(t *testing.T) {
		_, err := NewReader(strings.NewReader("")).ReadPacket()
		if got, want := err, io.EOF; !errors.Is(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("doesn't read an invalid length", func(t *testing.T) {
		for _, in := range []string{"zzzz", "0003", "00", "0010short"} {
			if _, err := NewReader(strings.NewReader(in)).ReadPacket(); err == nil {
				t.Fatalf("got nil for %q, want an error", in)
			}
		}
	})
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteLine("# service=git-upload-pack"); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if err := w.WriteFlush(); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got, want := buf.String(), "001e# service=git-upload-pack\n0000"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if err := w.WritePacket(make([]byte, MaxPayload+1)); !errors.Is(err, ErrTooLong) {
		t.Fatalf("got %v, want %v", err, ErrTooLong)
	}
}

func TestSideBandWriter(t *testing.T) {
	var buf bytes.Buffer
	data := bytes.Repeat([]byte("x"), MaxSideBandPayload+10)
	n, err := NewSideBandWriter(&buf, BandProgress).Write(data)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if n != len(data) {
		t.Fatalf("got %d, want %d", n, len(data))
	}

	r := NewReader(&buf)
	var got []byte
	for i := 0; i < 2; i++ {
		p, err := r.ReadPacket()
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if p[0] != BandProgress {
			t.Fatalf("got band %d, want %d", p[0], BandProgress)
		}
		got = append(got, p[1:]...)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %d bytes, want %d", len(got), len(data))
	}
}

func TestRequest(t *testing.T) {
	t.Run("reads commands and capabilities", func(t *testing.T) {
		var buf bytes.Buffer
		w := NewWriter(&buf)
		_ = w.WriteLine(oldHash + " " + newHash + " refs/heads/main\x00report-status side-band-64k agent=git/2.45")
		_ = w.WriteLine(ZeroHash + " " + newHash + " refs/heads/feature")
		_ = w.WriteFlush()
		buf.WriteString("PACK")

		req, err := ReadRequest(NewReader(&buf))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		want := &Request{
			Commands: []Command{
				{Old: oldHash, New: newHash, Ref: "refs/heads/main"},
				{Old: ZeroHash, New: newHash, Ref: "refs/heads/feature"},
			},
			Capabilities: []string{"report-status", "side-band-64k", "agent=git/2.45"},
		}
		if diff := cmp.Diff(want, req); diff != "" {
			t.Fatalf("request mismatch (-want +got):\n%s", diff)
		}
		if !req.HasCapability("agent") || req.HasCapability("side-band") {
			t.Fatalf("got wrong capabilities %v", req.Capabilities)
		}
		if !req.Commands[1].IsCreate() || req.Commands[0].IsDelete() {
			t.Fatalf("got wrong command kinds %+v", req.Commands)
		}
		if got, want := buf.String(), "PACK"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("writes what it reads", func(t *testing.T) {
		req := &Request{
			Shallow:      []string{oldHash},
			Commands:     []Command{{Old: oldHash, New: ZeroHash, Ref: "refs/heads/main"}},
			Capabilities: []string{"report-status", "side-band-64k", "quiet"},
		}
		req = req.WithoutCapabilities("side-band-64k", "quiet")

		var buf bytes.Buffer
		if err := WriteRequest(NewWriter(&buf), req); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		got, err := ReadRequest(NewReader(&buf))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if diff := cmp.Diff(req, got); diff != "" {
			t.Fatalf("request mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("returns EOF for an empty request", func(t *testing.T) {
		for _, in := range []string{"", "0000"} {
			_, err := ReadRequest(NewReader(strings.NewReader(in)))
			if got, want := err, io.EOF; !errors.Is(got, want) {
				t.Fatalf("got %v for %q, want %v", got, in, want)
			}
		}
	})

	t.Run("doesn't read a malformed command", func(t *testing.T) {
		var buf bytes.Buffer
		w := NewWriter(&buf)
		_ = w.WriteLine("abc refs/heads/main")
		_ = w.WriteFlush()
		if _, err := ReadRequest(NewReader(&buf)); err == nil {
			t.Fatalf("got nil, want an error")
		}
	})
}

func TestReport(t *testing.T) {
	rep := &Report{Refs: []RefStatus{
		{Ref: "refs/heads/main"},
		{Ref: "refs/heads/feature", Error: "You cannot push to a branch other than the default branch."},
	}}

	t.Run("writes and reads a plain report", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteReport(&buf, rep, false); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		got, err := ReadReport(NewReader(&buf))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if diff := cmp.Diff(rep, got); diff != "" {
			t.Fatalf("report mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("wraps a report into the data band", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteReport(&buf, rep, true); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		r := NewReader(&buf)
		p, err := r.ReadPacket()
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if p[0] != BandData {
			t.Fatalf("got band %d, want %d", p[0], BandData)
		}
		got, err := ReadReport(NewReader(bytes.NewReader(p[1:])))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if diff := cmp.Diff(rep, got); diff != "" {
			t.Fatalf("report mismatch (-want +got):\n%s", diff)
		}
		if p, err = r.ReadPacket(); err != nil || p != nil {
			t.Fatalf("got %q, %v, want a flush", p, err)
		}
	})

	t.Run("reads an unpack error and skips options", func(t *testing.T) {
		var buf bytes.Buffer
		w := NewWriter(&buf)
		_ = w.WriteLine("unpack index-pack abnormal exit")
		_ = w.WriteLine("ng refs/heads/main unpacker error")
		_ = w.WriteLine("option refname refs/heads/main")
		_ = w.WriteFlush()

		got, err := ReadReport(NewReader(&buf))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		want := &Report{
			UnpackError: "index-pack abnormal exit",
			Refs:        []RefStatus{{Ref: "refs/heads/main", Error: "unpacker error"}},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("report mismatch (-want +got):\n%s", diff)
		}
	})
}
