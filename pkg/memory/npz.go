package memory

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/atomicfile"
)

// Minimal NPY v1.0 codec covering exactly the two arrays the index persists:
// a little-endian float32 matrix ("vecs.npy") and a fixed-width unicode id
// vector ("ids.npy"). The pair is stored zip-packed as <namespace>.index.npz
// so the files interoperate with numpy.load on the operator side.

const npyMagic = "\x93NUMPY"

func npyHeader(descr, shape string) []byte {
	head := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shape)
	// Header block (magic + version + length + text) pads to a 64-byte
	// multiple and ends with a newline, matching numpy's writer.
	total := len(npyMagic) + 4 + len(head) + 1
	pad := (64 - total%64) % 64
	head += strings.Repeat(" ", pad) + "\n"

	buf := make([]byte, 0, len(npyMagic)+4+len(head))
	buf = append(buf, npyMagic...)
	buf = append(buf, 1, 0)
	buf = append(buf, byte(len(head)), byte(len(head)>>8))
	buf = append(buf, head...)
	return buf
}

func encodeNPYFloat32(vecs [][]float32, dims int) ([]byte, error) {
	for i, v := range vecs {
		if len(v) != dims {
			return nil, fmt.Errorf("memory: vector %d has %d dims, index wants %d", i, len(v), dims)
		}
	}
	out := bytes.NewBuffer(npyHeader("<f4", fmt.Sprintf("(%d, %d)", len(vecs), dims)))
	raw := make([]byte, 4)
	for _, v := range vecs {
		for _, f := range v {
			binary.LittleEndian.PutUint32(raw, math.Float32bits(f))
			out.Write(raw)
		}
	}
	return out.Bytes(), nil
}

func encodeNPYStrings(ids []string) []byte {
	width := 1
	for _, id := range ids {
		if n := len([]rune(id)); n > width {
			width = n
		}
	}
	out := bytes.NewBuffer(npyHeader(fmt.Sprintf("<U%d", width), fmt.Sprintf("(%d,)", len(ids))))
	raw := make([]byte, 4)
	for _, id := range ids {
		runes := []rune(id)
		for i := 0; i < width; i++ {
			var r rune
			if i < len(runes) {
				r = runes[i]
			}
			binary.LittleEndian.PutUint32(raw, uint32(r))
			out.Write(raw)
		}
	}
	return out.Bytes()
}

var npyHeaderRe = regexp.MustCompile(`'descr':\s*'([^']+)'\s*,\s*'fortran_order':\s*(True|False)\s*,\s*'shape':\s*\(([^)]*)\)`)

func parseNPY(b []byte) (descr string, shape []int, data []byte, err error) {
	if len(b) < len(npyMagic)+4 || !bytes.HasPrefix(b, []byte(npyMagic)) {
		return "", nil, nil, fmt.Errorf("memory: not an npy file")
	}
	if b[6] != 1 {
		return "", nil, nil, fmt.Errorf("memory: unsupported npy version %d.%d", b[6], b[7])
	}
	hlen := int(binary.LittleEndian.Uint16(b[8:10]))
	if len(b) < 10+hlen {
		return "", nil, nil, fmt.Errorf("memory: truncated npy header")
	}
	m := npyHeaderRe.FindStringSubmatch(string(b[10 : 10+hlen]))
	if m == nil {
		return "", nil, nil, fmt.Errorf("memory: unreadable npy header")
	}
	if m[2] == "True" {
		return "", nil, nil, fmt.Errorf("memory: fortran-order arrays unsupported")
	}
	for _, part := range strings.Split(m[3], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, convErr := strconv.Atoi(part)
		if convErr != nil || n < 0 {
			return "", nil, nil, fmt.Errorf("memory: bad npy shape %q", m[3])
		}
		shape = append(shape, n)
	}
	return m[1], shape, b[10+hlen:], nil
}

func decodeNPYFloat32(b []byte) ([][]float32, error) {
	descr, shape, data, err := parseNPY(b)
	if err != nil {
		return nil, err
	}
	if descr != "<f4" {
		return nil, fmt.Errorf("memory: vecs.npy has dtype %q, want <f4", descr)
	}
	if len(shape) != 2 {
		return nil, fmt.Errorf("memory: vecs.npy has %d dims, want 2", len(shape))
	}
	n, dims := shape[0], shape[1]
	if len(data) < n*dims*4 {
		return nil, fmt.Errorf("memory: vecs.npy body too short")
	}
	vecs := make([][]float32, n)
	off := 0
	for i := 0; i < n; i++ {
		row := make([]float32, dims)
		for j := 0; j < dims; j++ {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
		vecs[i] = row
	}
	return vecs, nil
}

func decodeNPYStrings(b []byte) ([]string, error) {
	descr, shape, data, err := parseNPY(b)
	if err != nil {
		return nil, err
	}
	var width int
	if _, convErr := fmt.Sscanf(descr, "<U%d", &width); convErr != nil || width <= 0 {
		return nil, fmt.Errorf("memory: ids.npy has dtype %q, want <U*", descr)
	}
	if len(shape) != 1 {
		return nil, fmt.Errorf("memory: ids.npy has %d dims, want 1", len(shape))
	}
	n := shape[0]
	if len(data) < n*width*4 {
		return nil, fmt.Errorf("memory: ids.npy body too short")
	}
	ids := make([]string, n)
	off := 0
	for i := 0; i < n; i++ {
		runes := make([]rune, 0, width)
		for j := 0; j < width; j++ {
			r := rune(binary.LittleEndian.Uint32(data[off:]))
			off += 4
			if r != 0 {
				runes = append(runes, r)
			}
		}
		ids[i] = string(runes)
	}
	return ids, nil
}

// writeIndexFile persists ids+vecs as an npz via the atomic replace protocol.
func writeIndexFile(path string, ids []string, vecs [][]float32, dims int) error {
	vecsNPY, err := encodeNPYFloat32(vecs, dims)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, entry := range []struct {
		name string
		body []byte
	}{
		{"ids.npy", encodeNPYStrings(ids)},
		{"vecs.npy", vecsNPY},
	} {
		w, err := zw.Create(entry.name)
		if err != nil {
			return fmt.Errorf("memory: write %s: %w", entry.name, err)
		}
		if _, err := w.Write(entry.body); err != nil {
			return fmt.Errorf("memory: write %s: %w", entry.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("memory: close npz: %w", err)
	}
	return atomicfile.WriteFile(path, buf.Bytes(), 0o644)
}

// readIndexFile loads an npz index. A missing file is an empty index, not an
// error; a present but unreadable file is reported so the store can rebuild.
func readIndexFile(path string) (ids []string, vecs [][]float32, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("memory: read index: %w", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, nil, fmt.Errorf("memory: open npz: %w", err)
	}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("memory: open %s: %w", f.Name, err)
		}
		body, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("memory: read %s: %w", f.Name, err)
		}
		switch f.Name {
		case "ids.npy":
			if ids, err = decodeNPYStrings(body); err != nil {
				return nil, nil, err
			}
		case "vecs.npy":
			if vecs, err = decodeNPYFloat32(body); err != nil {
				return nil, nil, err
			}
		}
	}
	if len(ids) != len(vecs) {
		return nil, nil, fmt.Errorf("memory: index arrays disagree: %d ids, %d vecs", len(ids), len(vecs))
	}
	return ids, vecs, nil
}
