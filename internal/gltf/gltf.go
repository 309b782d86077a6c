// Package gltf reads .gltf and .glb files into a model.Model.
//
// Buffers may be embedded as base64 data URIs, stored in external files
// next to the document, or carried in the GLB binary chunk. Images are
// decoded to RGBA8 at load time.
package gltf

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/Faultbox/scenepose/internal/logger"
	"github.com/Faultbox/scenepose/internal/model"
)

// GLB container constants.
const (
	glbMagic     = 0x46546C67 // "glTF"
	glbVersion   = 2
	glbChunkJSON = 0x4E4F534A // "JSON"
	glbChunkBIN  = 0x004E4942 // "BIN\0"
)

// Loader errors.
var (
	ErrVersion      = errors.New("unsupported glTF version")
	ErrGLBHeader    = errors.New("invalid GLB header")
	ErrMissingJSON  = errors.New("GLB has no JSON chunk")
	ErrBufferURI    = errors.New("invalid buffer URI")
	ErrBufferSize   = errors.New("buffer shorter than declared")
	ErrUnsupported  = errors.New("unsupported glTF feature")
	ErrAccessorSize = errors.New("accessor exceeds its buffer view")
)

// Load reads a .gltf or .glb file. External resources are resolved
// relative to the file's directory.
func Load(path string) (*model.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	m, err := Decode(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", filepath.Base(path), err)
	}
	return m, nil
}

// Read decodes a document from r. baseDir resolves external URIs; an
// empty baseDir only allows embedded data.
func Read(r io.Reader, baseDir string) (*model.Model, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Decode(data, baseDir)
}

// Decode parses JSON or GLB bytes, detected by the GLB magic.
func Decode(data []byte, baseDir string) (*model.Model, error) {
	d := decoder{baseDir: baseDir, log: logger.Component("gltf")}
	if len(data) >= 4 && binary.LittleEndian.Uint32(data) == glbMagic {
		if err := d.parseGLB(data); err != nil {
			return nil, err
		}
	} else {
		d.json = data
	}

	var doc document
	if err := json.Unmarshal(d.json, &doc); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	if !strings.HasPrefix(doc.Asset.Version, "2.") {
		return nil, fmt.Errorf("%w: %q", ErrVersion, doc.Asset.Version)
	}
	if len(doc.ExtensionsRequired) > 0 {
		return nil, fmt.Errorf("%w: required extensions %v", ErrUnsupported, doc.ExtensionsRequired)
	}

	m, err := d.convert(&doc)
	if err != nil {
		return nil, err
	}
	d.log.Debug("decoded",
		zap.Int("nodes", len(m.Nodes)),
		zap.Int("meshes", len(m.Meshes)),
		zap.Int("skins", len(m.Skins)),
		zap.Int("animations", len(m.Animations)),
		zap.Int("images", len(m.Images)))
	return m, nil
}

type decoder struct {
	baseDir string
	log     *zap.Logger
	json    []byte
	bin     []byte
}

type glbHeader struct {
	Magic   uint32
	Version uint32
	Length  uint32
}

type glbChunk struct {
	Length uint32
	Type   uint32
}

func (d *decoder) parseGLB(data []byte) error {
	r := bytes.NewReader(data)
	var h glbHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("%w: %w", ErrGLBHeader, err)
	}
	if h.Version != glbVersion {
		return fmt.Errorf("%w: version %d", ErrGLBHeader, h.Version)
	}
	if int(h.Length) > len(data) {
		return fmt.Errorf("%w: length %d exceeds file size %d", ErrGLBHeader, h.Length, len(data))
	}

	for {
		var c glbChunk
		if err := binary.Read(r, binary.LittleEndian, &c); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("read chunk header: %w", err)
		}
		chunk := make([]byte, c.Length)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return fmt.Errorf("read chunk: %w", err)
		}
		switch c.Type {
		case glbChunkJSON:
			if d.json == nil {
				d.json = chunk
			}
		case glbChunkBIN:
			if d.bin == nil {
				d.bin = chunk
			}
		}
	}
	if d.json == nil {
		return ErrMissingJSON
	}
	return nil
}

// resolve returns the bytes behind a data URI or a file relative to
// baseDir.
func (d *decoder) resolve(uri string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(uri, "data:"); ok {
		header, payload, ok := strings.Cut(rest, ",")
		if !ok || !strings.HasSuffix(header, ";base64") {
			return nil, ErrBufferURI
		}
		return base64.StdEncoding.DecodeString(payload)
	}
	if d.baseDir == "" {
		return nil, fmt.Errorf("%w: external %q without a base directory", ErrBufferURI, uri)
	}
	clean := filepath.Clean(filepath.FromSlash(uri))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("%w: %q escapes the model directory", ErrBufferURI, uri)
	}
	return os.ReadFile(filepath.Join(d.baseDir, clean))
}

func (d *decoder) buffers(doc *document) ([][]byte, error) {
	out := make([][]byte, len(doc.Buffers))
	for i, b := range doc.Buffers {
		var data []byte
		switch {
		case b.URI != "":
			var err error
			if data, err = d.resolve(b.URI); err != nil {
				return nil, fmt.Errorf("buffer %d: %w", i, err)
			}
		case i == 0 && d.bin != nil:
			data = d.bin
		default:
			return nil, fmt.Errorf("buffer %d: %w: no uri", i, ErrBufferURI)
		}
		if len(data) < b.ByteLength {
			return nil, fmt.Errorf("buffer %d: %w: %d < %d", i, ErrBufferSize, len(data), b.ByteLength)
		}
		out[i] = data[:b.ByteLength]
	}
	return out, nil
}
