package zarrslide

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// groupMeta is the zarr.json of the slide group.
type groupMeta struct {
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
	Attributes struct {
		Multiscales []struct {
			Datasets []struct {
				Path string `json:"path"`
			} `json:"datasets"`
		} `json:"multiscales"`
		Properties   map[string]string `json:"properties"`
		ChannelOrder string            `json:"channel_order"`
	} `json:"attributes"`
}

// arrayMeta represents Zarr v3 array metadata (zarr.json).
type arrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue interface{} `json:"fill_value"`
	Codecs    []struct {
		Name          string                 `json:"name"`
		Configuration map[string]interface{} `json:"configuration"`
	} `json:"codecs"`
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
}

// IsStore reports whether dir holds a slide group.
func IsStore(dir string) bool {
	meta, err := loadGroupMeta(dir)
	return err == nil && len(meta.Attributes.Multiscales) > 0
}

func loadGroupMeta(dir string) (*groupMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, "zarr.json"))
	if err != nil {
		return nil, err
	}
	var meta groupMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse group metadata: %w", err)
	}
	if meta.NodeType != "" && meta.NodeType != "group" {
		return nil, fmt.Errorf("%s is a %s, not a group", dir, meta.NodeType)
	}
	return &meta, nil
}

func loadArrayMeta(arrayPath string) (*arrayMeta, error) {
	data, err := os.ReadFile(filepath.Join(arrayPath, "zarr.json"))
	if err != nil {
		return nil, err
	}
	var meta arrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse array metadata: %w", err)
	}
	return &meta, nil
}

// validate checks the array is an [H, W, 4] uint8 image.
func (m *arrayMeta) validate() error {
	if m.DataType != "uint8" {
		return fmt.Errorf("unsupported zarr data_type: %s", m.DataType)
	}
	chunk := m.ChunkGrid.Configuration.ChunkShape
	if len(m.Shape) != 3 || m.Shape[2] != 4 {
		return fmt.Errorf("unexpected image shape: %v (expected [H,W,4])", m.Shape)
	}
	if len(chunk) != 3 || chunk[0] <= 0 || chunk[1] <= 0 || chunk[2] != 4 {
		return fmt.Errorf("unexpected chunk shape: %v", chunk)
	}
	return nil
}

func (m *arrayMeta) compressed() bool {
	for _, c := range m.Codecs {
		if c.Name == "zstd" {
			return true
		}
	}
	return false
}

func (m *arrayMeta) chunkKey(chunkIndices []int) string {
	sep := m.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, sep)
}

// chunkShapeAt returns the extent of a chunk clipped to the array, for
// writers that store edge chunks truncated.
func (m *arrayMeta) chunkShapeAt(chunkIndices []int) ([]int, error) {
	chunk := m.ChunkGrid.Configuration.ChunkShape
	if len(chunkIndices) != len(m.Shape) {
		return nil, fmt.Errorf("invalid chunk indices: got %d dims, expected %d", len(chunkIndices), len(m.Shape))
	}
	actual := make([]int, len(m.Shape))
	for d := range m.Shape {
		start := chunkIndices[d] * chunk[d]
		if start < 0 || start >= m.Shape[d] {
			return nil, fmt.Errorf("chunk index out of range at dim %d: start=%d shape=%d", d, start, m.Shape[d])
		}
		actual[d] = min(chunk[d], m.Shape[d]-start)
	}
	return actual, nil
}

func (m *arrayMeta) fillByte() (byte, error) {
	switch v := m.FillValue.(type) {
	case nil:
		return 0, nil
	case float64:
		if v < 0 || v > 255 {
			return 0, fmt.Errorf("fill_value %v out of range for uint8", v)
		}
		return byte(v), nil
	default:
		return 0, fmt.Errorf("unsupported fill_value type for uint8: %T", m.FillValue)
	}
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}
