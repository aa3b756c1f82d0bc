// Package isyntax recognises Philips iSyntax files. Their wavelet-coded
// tiles have no streaming decode in this engine, so opening one reports
// ErrUnsupported after the header has been validated.
package isyntax

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	ErrUnsupported = errors.New("isyntax tile decoding is not supported")
	ErrNotISyntax  = errors.New("not an iSyntax file")
)

// The XML header of an iSyntax file starts with this element.
var headerMagic = []byte("<DataObject")

// Probe reports whether path starts with an iSyntax XML header.
func Probe(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, 256)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return bytes.Contains(head[:n], headerMagic), nil
}

// Open validates path and reports that its tiles cannot be streamed.
func Open(path string) error {
	ok, err := Probe(path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", path, ErrNotISyntax)
	}
	return fmt.Errorf("%s: %w", path, ErrUnsupported)
}
