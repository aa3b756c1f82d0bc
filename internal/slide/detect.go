package slide

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// dicomMagicOffset is where the "DICM" marker follows the 128-byte preamble.
const dicomMagicOffset = 128

var dicomMagic = []byte("DICM")

// DetectKind picks a backend for path from its extension, falling back to
// the DICOM magic and finally to the whole-slide library. A directory is a
// Zarr slide store when it has a zarr.json and a DICOM series otherwise.
func DetectKind(path string) (Kind, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		if _, err := os.Stat(filepath.Join(path, "zarr.json")); err == nil {
			return KindWSI, nil
		}
		return KindDICOM, nil
	}

	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "tif", "tiff", "ptif":
		return KindTIFF, nil
	case "png", "jpg", "jpeg", "bmp", "gif", "ppm":
		return KindSimple, nil
	case "dcm":
		return KindDICOM, nil
	case "isyntax", "i2syntax":
		return KindISyntax, nil
	}

	isDICOM, err := hasDICOMMagic(path)
	if err != nil {
		return 0, err
	}
	if isDICOM {
		return KindDICOM, nil
	}
	return KindWSI, nil
}

func hasDICOMMagic(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, len(dicomMagic))
	if _, err := f.ReadAt(buf, dicomMagicOffset); err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	return bytes.Equal(buf, dicomMagic), nil
}
