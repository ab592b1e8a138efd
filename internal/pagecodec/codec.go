// Package pagecodec encodes and decodes pages, the B+Tree index, the
// redo log, and the double-write staging blob to and from the opaque
// byte blobs the disk store persists. The encoding choice lives here
// alone, behind a narrow Encode/Decode boundary, so it can be swapped
// without touching any other subsystem.
package pagecodec

import (
	"bytes"
	"encoding/gob"

	"github.com/go-innodb/enginecore/internal/enginerr"
	"github.com/go-innodb/enginecore/internal/model"
	"github.com/pkg/errors"
)

func init() {
	// Row.Values elements arrive as interface{}; gob needs concrete types
	// registered before it will (de)serialize them across that boundary.
	gob.Register(int64(0))
	gob.Register(int(0))
	gob.Register(float64(0))
	gob.Register(string(""))
	gob.Register(bool(false))
	gob.Register([]byte(nil))
}

// EncodePage serializes a page to its blob form.
func EncodePage(p *model.Page) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, errors.Wrap(err, "encode page")
	}
	return buf.Bytes(), nil
}

// DecodePage deserializes a page blob.
func DecodePage(data []byte) (*model.Page, error) {
	var p model.Page
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, errors.Wrap(enginerr.ErrCorruptPage, err.Error())
	}
	return &p, nil
}

// IndexBlob is the whole-tree encoding unit persisted atomically at
// checkpoint: every (RowID, PageID) pair in ascending key order. The
// tree's internal node shape stays in memory; only the
// flattened mapping is durable, which is sufficient to rebuild the tree
// on load since construction from sorted pairs is deterministic.
type IndexBlob struct {
	Entries []IndexEntry
}

// IndexEntry is one row_id -> page_id mapping.
type IndexEntry struct {
	RowID  model.RowID
	PageID model.PageID
}

// EncodeIndex serializes the flattened index mapping.
func EncodeIndex(b IndexBlob) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, errors.Wrap(err, "encode index")
	}
	return buf.Bytes(), nil
}

// DecodeIndex deserializes the flattened index mapping.
func DecodeIndex(data []byte) (IndexBlob, error) {
	var b IndexBlob
	if len(data) == 0 {
		return b, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&b); err != nil {
		return b, errors.Wrap(enginerr.ErrCorruptLog, err.Error())
	}
	return b, nil
}

// RedoLogBlob is the whole-file encoding of the redo log: truncation is
// a whole-blob rewrite, so the on-disk shape is simply the ordered
// record sequence.
type RedoLogBlob struct {
	Records []model.RedoRecord
}

func EncodeRedoLog(b RedoLogBlob) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, errors.Wrap(err, "encode redo log")
	}
	return buf.Bytes(), nil
}

func DecodeRedoLog(data []byte) (RedoLogBlob, error) {
	var b RedoLogBlob
	if len(data) == 0 {
		return b, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&b); err != nil {
		return b, errors.Wrap(enginerr.ErrCorruptLog, err.Error())
	}
	return b, nil
}

// DWBSlot is one staged page image awaiting in-place application.
type DWBSlot struct {
	PageID PageID
	Image  []byte // the page's own codec-encoded bytes, staged verbatim
}

// PageID is a local alias kept for readability in DWBSlot; identical to
// model.PageID.
type PageID = model.PageID

// DWBBlob is either empty ([]DWBSlot(nil)) or holds a staged batch.
type DWBBlob struct {
	Slots []DWBSlot
}

func EncodeDWB(b DWBBlob) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, errors.Wrap(err, "encode dwb")
	}
	return buf.Bytes(), nil
}

func DecodeDWB(data []byte) (DWBBlob, error) {
	var b DWBBlob
	if len(data) == 0 {
		return b, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&b); err != nil {
		return b, errors.Wrap(enginerr.ErrCorruptLog, err.Error())
	}
	return b, nil
}
