// Package testreport reads JUnit-style XML test reports.
package testreport

import (
	"archive/tar"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/k11v/localci/internal/buildqueue"
)

// MaxMessageLength is the maximum length of a failure message in bytes.
const MaxMessageLength = 5000

// maxFileSize bounds a single report file.
const maxFileSize = 64 << 20

var ErrUnknownRoot = errors.New("root element is neither testsuites nor testsuite")

// Report is the outcome of reading every report file of a build.
type Report struct {
	Tests      []buildqueue.TestCase
	Files      int
	ParseError bool
	Errors     []string // one entry per malformed file
}

type suite struct {
	XMLName xml.Name
	Name    string     `xml:"name,attr"`
	Cases   []testCase `xml:"testcase"`
	Suites  []suite    `xml:"testsuite"`
}

type testCase struct {
	Name      string   `xml:"name,attr"`
	ClassName string   `xml:"classname,attr"`
	Time      string   `xml:"time,attr"`
	Failures  []result `xml:"failure"`
	Errors    []result `xml:"error"`
	Skipped   *result  `xml:"skipped"`
}

type result struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Text    string `xml:",chardata"`
}

// Parse reads one report document. Skipped tests are left out.
func Parse(r io.Reader) ([]buildqueue.TestCase, error) {
	var root suite
	if err := xml.NewDecoder(r).Decode(&root); err != nil {
		return nil, fmt.Errorf("testreport.Parse: %w", err)
	}
	if root.XMLName.Local != "testsuites" && root.XMLName.Local != "testsuite" {
		return nil, fmt.Errorf("testreport.Parse: %w", ErrUnknownRoot)
	}

	tests := make([]buildqueue.TestCase, 0)
	collect(&root, &tests)
	return tests, nil
}

func collect(s *suite, tests *[]buildqueue.TestCase) {
	for _, tc := range s.Cases {
		if tc.Skipped != nil {
			continue
		}
		className := tc.ClassName
		if className == "" {
			className = s.Name
		}
		out := buildqueue.TestCase{
			Name:      tc.Name,
			ClassName: className,
			Passed:    len(tc.Failures) == 0 && len(tc.Errors) == 0,
			Duration:  parseSeconds(tc.Time),
		}
		switch {
		case len(tc.Failures) > 0:
			out.Message = message(&tc.Failures[0])
		case len(tc.Errors) > 0:
			out.Message = message(&tc.Errors[0])
		}
		*tests = append(*tests, out)
	}
	for i := range s.Suites {
		collect(&s.Suites[i], tests)
	}
}

func message(r *result) string {
	m := strings.TrimSpace(r.Message)
	if m == "" {
		m = strings.TrimSpace(r.Text)
	}
	if m == "" {
		m = strings.TrimSpace(r.Type)
	}
	return truncate(m, MaxMessageLength)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func parseSeconds(s string) time.Duration {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0
	}
	return time.Duration(math.Round(f * float64(time.Second)))
}

// IsReportFile reports whether name looks like a test report.
// Maven's pom.xml ends up next to the reports in some layouts and is skipped.
func IsReportFile(name string) bool {
	base := path.Base(name)
	return strings.HasSuffix(base, ".xml") && base != "pom.xml"
}

// ParseTar reads every report file of a tar stream, such as the one returned
// when copying the results directory out of a container.
// A malformed file sets ParseError and contributes no tests, the other files
// are still read. Only a broken tar stream is returned as an error.
func ParseTar(r io.Reader) (*Report, error) {
	report := &Report{Tests: make([]buildqueue.TestCase, 0)}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return report, fmt.Errorf("testreport.ParseTar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || !IsReportFile(hdr.Name) {
			continue
		}

		report.Files++
		if hdr.Size > maxFileSize {
			report.ParseError = true
			report.Errors = append(report.Errors, fmt.Sprintf("%s: larger than %d bytes", hdr.Name, maxFileSize))
			continue
		}
		tests, err := Parse(io.LimitReader(tr, maxFileSize))
		if err != nil {
			report.ParseError = true
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", hdr.Name, err))
			continue
		}
		report.Tests = append(report.Tests, tests...)
	}
	return report, nil
}
