package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/google/uuid"

	"github.com/FlavioCFOliveira/shapecnn/internal/tensor"
)

// GGUF Constants
const (
	GGUFMagic   = 0x46554747 // "GGUF" in little-endian
	GGUFVersion = 3

	ggufAlignment = 32
)

// GGUF Value Types
type GGUFType uint32

const (
	GGUFTypeUint8   GGUFType = 0
	GGUFTypeInt8    GGUFType = 1
	GGUFTypeUint16  GGUFType = 2
	GGUFTypeInt16   GGUFType = 3
	GGUFTypeUint32  GGUFType = 4
	GGUFTypeInt32   GGUFType = 5
	GGUFTypeFloat32 GGUFType = 6
	GGUFTypeBool    GGUFType = 7
	GGUFTypeString  GGUFType = 8
	GGUFTypeArray   GGUFType = 9
	GGUFTypeUint64  GGUFType = 10
	GGUFTypeInt64   GGUFType = 11
	GGUFTypeFloat64 GGUFType = 12
)

// GGML Tensor Types
type GGMLType uint32

const (
	GGMLTypeF32 GGMLType = 0
	GGMLTypeF16 GGMLType = 1
)

func (t GGMLType) size() (uint64, error) {
	switch t {
	case GGMLTypeF32:
		return 4, nil
	case GGMLTypeF16:
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported GGML type: %d", t)
	}
}

// countingWriter tracks the offset so tensor data can be aligned.
type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

// GGUFWriter helps writing GGUF files
type GGUFWriter struct {
	w         *countingWriter
	alignment uint64
}

func NewGGUFWriter(w io.Writer) *GGUFWriter {
	return &GGUFWriter{
		w:         &countingWriter{w: w},
		alignment: ggufAlignment,
	}
}

func (gw *GGUFWriter) WriteHeader(kvCount, tensorCount uint64) error {
	if err := binary.Write(gw.w, binary.LittleEndian, uint32(GGUFMagic)); err != nil {
		return err
	}
	if err := binary.Write(gw.w, binary.LittleEndian, uint32(GGUFVersion)); err != nil {
		return err
	}
	if err := binary.Write(gw.w, binary.LittleEndian, tensorCount); err != nil {
		return err
	}
	return binary.Write(gw.w, binary.LittleEndian, kvCount)
}

func (gw *GGUFWriter) WriteString(s string) error {
	if err := binary.Write(gw.w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := gw.w.Write([]byte(s))
	return err
}

func (gw *GGUFWriter) WriteKV(key string, valType GGUFType, value any) error {
	if err := gw.WriteString(key); err != nil {
		return err
	}
	if err := binary.Write(gw.w, binary.LittleEndian, uint32(valType)); err != nil {
		return err
	}

	switch valType {
	case GGUFTypeUint32:
		return binary.Write(gw.w, binary.LittleEndian, value.(uint32))
	case GGUFTypeUint64:
		return binary.Write(gw.w, binary.LittleEndian, value.(uint64))
	case GGUFTypeFloat32:
		return binary.Write(gw.w, binary.LittleEndian, value.(float32))
	case GGUFTypeFloat64:
		return binary.Write(gw.w, binary.LittleEndian, value.(float64))
	case GGUFTypeBool:
		var b uint8
		if value.(bool) {
			b = 1
		}
		return binary.Write(gw.w, binary.LittleEndian, b)
	case GGUFTypeString:
		return gw.WriteString(value.(string))
	default:
		return fmt.Errorf("unsupported GGUF type: %v", valType)
	}
}

func (gw *GGUFWriter) WriteTensorInfo(name string, shape []uint64, ggmlType GGMLType, offset uint64) error {
	if err := gw.WriteString(name); err != nil {
		return err
	}
	rank := uint32(len(shape))
	if err := binary.Write(gw.w, binary.LittleEndian, rank); err != nil {
		return err
	}
	// GGUF dimensions are in reverse order (last dimension first)
	for i := 0; i < int(rank); i++ {
		if err := binary.Write(gw.w, binary.LittleEndian, shape[rank-1-uint32(i)]); err != nil {
			return err
		}
	}
	if err := binary.Write(gw.w, binary.LittleEndian, uint32(ggmlType)); err != nil {
		return err
	}
	return binary.Write(gw.w, binary.LittleEndian, offset)
}

// Align pads the output with zeros up to the next alignment boundary.
func (gw *GGUFWriter) Align() error {
	pad := alignUp(gw.w.n, gw.alignment) - gw.w.n
	if pad == 0 {
		return nil
	}
	_, err := gw.w.Write(make([]byte, pad))
	return err
}

// WriteTensorData writes values in the given element type.
func (gw *GGUFWriter) WriteTensorData(values []float64, ggmlType GGMLType) error {
	switch ggmlType {
	case GGMLTypeF32:
		buf := make([]byte, 4*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
		}
		_, err := gw.w.Write(buf)
		return err
	case GGMLTypeF16:
		buf := make([]byte, 2*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint16(buf[2*i:], Float32ToFloat16(float32(v)))
		}
		_, err := gw.w.Write(buf)
		return err
	default:
		return fmt.Errorf("unsupported GGML type: %d", ggmlType)
	}
}

func alignUp(n, alignment uint64) uint64 {
	return (n + alignment - 1) / alignment * alignment
}

// Float32ToFloat16 converts a float32 to float16 (represented as uint16)
func Float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	s := uint16((bits >> 16) & 0x8000)
	e := int16((bits >> 23) & 0xFF)
	m := bits & 0x7FFFFF

	if e == 0 {
		// Zero or denormal
		return s
	} else if e == 0xFF {
		// Inf or NaN
		if m == 0 {
			return s | 0x7C00
		}
		return s | 0x7C00 | uint16(m>>13) | 1
	}

	e -= 127 - 15
	if e >= 31 {
		// Overflow to Inf
		return s | 0x7C00
	} else if e <= 0 {
		// Underflow to denormal or zero
		if e < -10 {
			return s
		}
		m |= 0x800000
		m >>= uint32(1 - e)
		return s | uint16(m>>13)
	}

	return s | uint16(e<<10) | uint16(m>>13)
}

// Float16ToFloat32 expands a half-precision value.
func Float16ToFloat32(h uint16) float32 {
	s := uint32(h&0x8000) << 16
	e := uint32(h>>10) & 0x1F
	m := uint32(h & 0x3FF)

	switch {
	case e == 0 && m == 0:
		return math.Float32frombits(s)
	case e == 0:
		// denormal: renormalise
		for m&0x400 == 0 {
			m <<= 1
			e--
		}
		e++
		m &= 0x3FF
	case e == 0x1F:
		return math.Float32frombits(s | 0x7F800000 | m<<13)
	}
	return math.Float32frombits(s | (e+127-15)<<23 | m<<13)
}

// GGUFTensor is a decoded tensor entry.
type GGUFTensor struct {
	Name  string
	Shape []int
	Type  GGMLType
	Data  []float64
}

// GGUFFile is the decoded content of a GGUF file.
type GGUFFile struct {
	KV      map[string]any
	Tensors map[string]GGUFTensor
}

type countingReader struct {
	r io.Reader
	n uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n)
	return n, err
}

// ReadGGUF decodes a GGUF v3 file holding scalar metadata and F32/F16 tensors.
func ReadGGUF(r io.Reader) (*GGUFFile, error) {
	cr := &countingReader{r: r}
	le := binary.LittleEndian

	var magic, version uint32
	var tensorCount, kvCount uint64
	for _, v := range []any{&magic, &version, &tensorCount, &kvCount} {
		if err := binary.Read(cr, le, v); err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
	}
	if magic != GGUFMagic {
		return nil, fmt.Errorf("not a GGUF file (magic %#x)", magic)
	}
	if version != GGUFVersion {
		return nil, fmt.Errorf("unsupported GGUF version %d", version)
	}

	out := &GGUFFile{KV: make(map[string]any, kvCount), Tensors: make(map[string]GGUFTensor, tensorCount)}
	alignment := uint64(ggufAlignment)
	for i := uint64(0); i < kvCount; i++ {
		key, err := readString(cr)
		if err != nil {
			return nil, fmt.Errorf("read kv %d: %w", i, err)
		}
		var typ uint32
		if err := binary.Read(cr, le, &typ); err != nil {
			return nil, fmt.Errorf("read kv %q: %w", key, err)
		}
		val, err := readValue(cr, GGUFType(typ))
		if err != nil {
			return nil, fmt.Errorf("read kv %q: %w", key, err)
		}
		out.KV[key] = val
		if a, ok := val.(uint32); ok && key == "general.alignment" && a > 0 {
			alignment = uint64(a)
		}
	}

	type info struct {
		tensor GGUFTensor
		offset uint64
	}
	infos := make([]info, 0, tensorCount)
	for i := uint64(0); i < tensorCount; i++ {
		name, err := readString(cr)
		if err != nil {
			return nil, fmt.Errorf("read tensor info %d: %w", i, err)
		}
		var rank uint32
		if err := binary.Read(cr, le, &rank); err != nil {
			return nil, fmt.Errorf("read tensor %q: %w", name, err)
		}
		dims := make([]uint64, rank)
		if err := binary.Read(cr, le, dims); err != nil {
			return nil, fmt.Errorf("read tensor %q: %w", name, err)
		}
		shape := make([]int, rank)
		for d := range dims {
			shape[int(rank)-1-d] = int(dims[d])
		}
		var typ uint32
		var offset uint64
		if err := binary.Read(cr, le, &typ); err != nil {
			return nil, fmt.Errorf("read tensor %q: %w", name, err)
		}
		if err := binary.Read(cr, le, &offset); err != nil {
			return nil, fmt.Errorf("read tensor %q: %w", name, err)
		}
		infos = append(infos, info{tensor: GGUFTensor{Name: name, Shape: shape, Type: GGMLType(typ)}, offset: offset})
	}

	if _, err := io.CopyN(io.Discard, cr, int64(alignUp(cr.n, alignment)-cr.n)); err != nil {
		return nil, fmt.Errorf("read padding: %w", err)
	}
	data, err := io.ReadAll(cr)
	if err != nil {
		return nil, fmt.Errorf("read tensor data: %w", err)
	}

	for _, in := range infos {
		t := in.tensor
		elem, err := t.Type.size()
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", t.Name, err)
		}
		n := uint64(tensor.Size(t.Shape))
		end := in.offset + n*elem
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("tensor %q: data out of range", t.Name)
		}
		raw := data[in.offset:end]
		t.Data = make([]float64, n)
		for i := range t.Data {
			if t.Type == GGMLTypeF32 {
				t.Data[i] = float64(math.Float32frombits(le.Uint32(raw[4*i:])))
			} else {
				t.Data[i] = float64(Float16ToFloat32(le.Uint16(raw[2*i:])))
			}
		}
		out.Tensors[t.Name] = t
	}
	return out, nil
}

func readString(r io.Reader) (string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > 1<<20 {
		return "", fmt.Errorf("string length %d too large", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readValue(r io.Reader, typ GGUFType) (any, error) {
	le := binary.LittleEndian
	var v any
	switch typ {
	case GGUFTypeUint8:
		v = new(uint8)
	case GGUFTypeInt8:
		v = new(int8)
	case GGUFTypeUint16:
		v = new(uint16)
	case GGUFTypeInt16:
		v = new(int16)
	case GGUFTypeUint32:
		v = new(uint32)
	case GGUFTypeInt32:
		v = new(int32)
	case GGUFTypeFloat32:
		v = new(float32)
	case GGUFTypeUint64:
		v = new(uint64)
	case GGUFTypeInt64:
		v = new(int64)
	case GGUFTypeFloat64:
		v = new(float64)
	case GGUFTypeBool:
		var b uint8
		if err := binary.Read(r, le, &b); err != nil {
			return nil, err
		}
		return b != 0, nil
	case GGUFTypeString:
		return readString(r)
	default:
		return nil, fmt.Errorf("unsupported GGUF type: %v", typ)
	}
	if err := binary.Read(r, le, v); err != nil {
		return nil, err
	}
	switch p := v.(type) {
	case *uint8:
		return *p, nil
	case *int8:
		return *p, nil
	case *uint16:
		return *p, nil
	case *int16:
		return *p, nil
	case *uint32:
		return *p, nil
	case *int32:
		return *p, nil
	case *float32:
		return *p, nil
	case *uint64:
		return *p, nil
	case *int64:
		return *p, nil
	default:
		return *(v.(*float64)), nil
	}
}

// GGUFStore keeps every layer in one GGUF file as "<name>.weight" and
// "<name>.bias" tensors. The file is rewritten on every Save, so values are
// rounded to the chosen element type.
type GGUFStore struct {
	path    string
	typ     GGMLType
	runID   uuid.UUID
	tensors map[string]*tensor.Tensor
	loaded  bool
}

// NewGGUFStore returns a store backed by path. Nothing is read until the first Load or Save.
func NewGGUFStore(path string, typ GGMLType) *GGUFStore {
	return &GGUFStore{
		path:    path,
		typ:     typ,
		runID:   uuid.New(),
		tensors: make(map[string]*tensor.Tensor),
	}
}

// SetRunID tags the file with id.
func (s *GGUFStore) SetRunID(id uuid.UUID) {
	s.runID = id
}

func (s *GGUFStore) Save(name string, w, b *tensor.Tensor) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := s.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.tensors[name+".weight"] = w.Clone()
	s.tensors[name+".bias"] = b.Clone()
	return s.flush()
}

func (s *GGUFStore) Load(name string) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := validName(name); err != nil {
		return nil, nil, err
	}
	if err := s.load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return nil, nil, err
	}
	w, okW := s.tensors[name+".weight"]
	b, okB := s.tensors[name+".bias"]
	if !okW || !okB {
		return nil, nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return w.Clone(), b.Clone(), nil
}

func (s *GGUFStore) load() error {
	if s.loaded {
		return nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	gf, err := ReadGGUF(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	for name, t := range gf.Tensors {
		tt, err := tensor.FromSlice(t.Data, t.Shape...)
		if err != nil {
			return fmt.Errorf("tensor %q: %w", name, err)
		}
		s.tensors[name] = tt
	}
	if id, ok := gf.KV["shapecnn.run_id"].(string); ok {
		if parsed, err := uuid.Parse(id); err == nil {
			s.runID = parsed
		}
	}
	s.loaded = true
	return nil
}

func (s *GGUFStore) flush() error {
	file, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	bw := bufio.NewWriter(file)
	if err := s.encode(bw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	s.loaded = true
	return file.Close()
}

func (s *GGUFStore) encode(w io.Writer) error {
	names := make([]string, 0, len(s.tensors))
	for name := range s.tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	elem, err := s.typ.size()
	if err != nil {
		return err
	}

	gw := NewGGUFWriter(w)
	if err := gw.WriteHeader(3, uint64(len(names))); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := gw.WriteKV("general.architecture", GGUFTypeString, "shapecnn"); err != nil {
		return err
	}
	if err := gw.WriteKV("general.alignment", GGUFTypeUint32, uint32(ggufAlignment)); err != nil {
		return err
	}
	if err := gw.WriteKV("shapecnn.run_id", GGUFTypeString, s.runID.String()); err != nil {
		return err
	}

	var offset uint64
	for _, name := range names {
		t := s.tensors[name]
		shape := make([]uint64, t.Rank())
		for i := range shape {
			shape[i] = uint64(t.Dim(i))
		}
		if err := gw.WriteTensorInfo(name, shape, s.typ, offset); err != nil {
			return fmt.Errorf("failed to write tensor info %q: %w", name, err)
		}
		offset = alignUp(offset+uint64(t.Len())*elem, ggufAlignment)
	}

	for _, name := range names {
		if err := gw.Align(); err != nil {
			return err
		}
		if err := gw.WriteTensorData(s.tensors[name].Data(), s.typ); err != nil {
			return fmt.Errorf("failed to write tensor %q: %w", name, err)
		}
	}
	return nil
}
