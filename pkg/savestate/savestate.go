package savestate

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// savestate format:
//
// file header
//   uint32(magic "ALSV")
//   uint32(format version)
//   [32]byte(BLAKE2b-256 of the compressed body)
//   uint64(length of compressed body)
// remainder is a gzip-compressed sequence of sections
//
// section
//   uint8(name length), name bytes
//   uint8(section version)
//   uint32(payload length), payload
//
// Records inside payloads are packed little-endian. Each state-owning object
// exposes one DoState(*Stream) method that both saves and loads, so the two
// directions cannot drift apart.

const (
	Magic         uint32 = 0x56534C41 // "ALSV"
	FormatVersion uint32 = 1
)

type Mode int

const (
	ModeSave Mode = iota
	ModeLoad
)

type recordStream struct {
	Stream io.ReadWriter
	Order  binary.ByteOrder
}

func (s *recordStream) Pack(i interface{}) error {
	return struc.PackWithOrder(s.Stream, i, s.Order)
}

func (s *recordStream) Unpack(i interface{}) error {
	return struc.UnpackWithOrder(s.Stream, i, s.Order)
}

type fileHeader struct {
	Magic   uint32
	Version uint32
	Digest  [32]byte
	Length  uint64
}

type sectionPrefix struct {
	NameLen uint8 `struc:"uint8,sizeof=Name"`
	Name    string
	Version uint8
}

// Stream carries state in one direction chosen at construction. Do packs or
// unpacks v depending on the mode; callers pass pointers in both directions.
type Stream struct {
	mode Mode
	s    recordStream
}

func (st *Stream) Mode() Mode { return st.mode }

func (st *Stream) Do(v interface{}) error {
	if st.mode == ModeSave {
		return st.s.Pack(v)
	}
	return st.s.Unpack(v)
}

// Section frames everything fn writes (or expects to read) under a named,
// versioned marker. On load, a name mismatch or a version newer than ours is
// an error; payloads shorter than recorded are an error too, while unread
// trailing payload is skipped so older readers tolerate extended sections.
func (st *Stream) Section(name string, version uint8, fn func() error) error {
	switch st.mode {
	case ModeSave:
		if err := st.s.Pack(&sectionPrefix{Name: name, Version: version}); err != nil {
			return errors.Wrapf(err, "section %q header", name)
		}
		sub := &bytes.Buffer{}
		outer := st.s.Stream
		st.s.Stream = sub
		err := fn()
		st.s.Stream = outer
		if err != nil {
			return err
		}
		if err := st.s.Pack(uint32(sub.Len())); err != nil {
			return errors.Wrapf(err, "section %q length", name)
		}
		if _, err := outer.Write(sub.Bytes()); err != nil {
			return errors.Wrapf(err, "section %q payload", name)
		}
		return nil

	case ModeLoad:
		var prefix sectionPrefix
		if err := st.s.Unpack(&prefix); err != nil {
			return errors.Wrapf(err, "section %q header", name)
		}
		if prefix.Name != name {
			return errors.Errorf("expected section %q, found %q", name, prefix.Name)
		}
		if prefix.Version > version {
			return errors.Errorf("section %q version %d is newer than supported %d",
				name, prefix.Version, version)
		}
		var length uint32
		if err := st.s.Unpack(&length); err != nil {
			return errors.Wrapf(err, "section %q length", name)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(st.s.Stream, payload); err != nil {
			return errors.Wrapf(err, "section %q payload", name)
		}
		outer := st.s.Stream
		st.s.Stream = bytes.NewBuffer(payload)
		err := fn()
		st.s.Stream = outer
		return err
	}
	return errors.Errorf("bad stream mode %d", st.mode)
}

// Save runs fn against a saving stream and writes the framed, compressed,
// digested result to w.
func Save(w io.Writer, fn func(*Stream) error) error {
	body := &bytes.Buffer{}
	st := &Stream{mode: ModeSave, s: recordStream{body, binary.LittleEndian}}
	if err := fn(st); err != nil {
		return err
	}

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(body.Bytes()); err != nil {
		return errors.Wrap(err, "compress body")
	}
	if err := gz.Close(); err != nil {
		return errors.Wrap(err, "compress body")
	}
	data := compressed.Bytes()

	hdr := fileHeader{
		Magic:   Magic,
		Version: FormatVersion,
		Digest:  blake2b.Sum256(data),
		Length:  uint64(len(data)),
	}
	out := recordStream{writeReader{w}, binary.LittleEndian}
	if err := out.Pack(&hdr); err != nil {
		return errors.Wrap(err, "write header")
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "write body")
	}
	return nil
}

// Load verifies the header and digest of r and runs fn against a loading
// stream over the decompressed body.
func Load(r io.Reader, fn func(*Stream) error) error {
	in := recordStream{readWriter{r}, binary.LittleEndian}
	var hdr fileHeader
	if err := in.Unpack(&hdr); err != nil {
		return errors.Wrap(err, "read header")
	}
	if hdr.Magic != Magic {
		return errors.Errorf("bad magic 0x%08x", hdr.Magic)
	}
	if hdr.Version != FormatVersion {
		return errors.Errorf("unsupported format version %d", hdr.Version)
	}
	data := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, data); err != nil {
		return errors.Wrap(err, "read body")
	}
	if blake2b.Sum256(data) != hdr.Digest {
		return errors.New("body digest mismatch, savestate is corrupt")
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "decompress body")
	}
	body, err := io.ReadAll(gz)
	if err != nil {
		return errors.Wrap(err, "decompress body")
	}
	st := &Stream{mode: ModeLoad, s: recordStream{bytes.NewBuffer(body), binary.LittleEndian}}
	return fn(st)
}

// readWriter adapts a read-only source to the recordStream field type; the
// write side is never used during load.
type readWriter struct {
	io.Reader
}

func (readWriter) Write(p []byte) (int, error) {
	return 0, errors.New("savestate: write on load stream")
}

// writeReader is the mirror adapter for the save direction.
type writeReader struct {
	io.Writer
}

func (writeReader) Read(p []byte) (int, error) {
	return 0, errors.New("savestate: read on save stream")
}
