// Package dwb is the double-write buffer: a durable staging area
// holding a consistent snapshot of a batch of dirty pages before they
// are written in place, closing the gap that disk writes are atomic
// per-blob but not across blobs.
package dwb

import (
	"github.com/go-innodb/enginecore/internal/diskstore"
	"github.com/go-innodb/enginecore/internal/enginerr"
	"github.com/go-innodb/enginecore/internal/logging"
	"github.com/go-innodb/enginecore/internal/model"
	"github.com/go-innodb/enginecore/internal/pagecodec"
	"github.com/pkg/errors"
)

// DWB stages and applies batches of dirty pages through the disk store.
type DWB struct {
	disk *diskstore.Store
}

// New returns a DWB writing through disk.
func New(disk *diskstore.Store) *DWB {
	return &DWB{disk: disk}
}

// ApplyBatch durably applies a batch of pages: stage a self-consistent
// snapshot, flush, write each page to its final home, flush, then clear
// the staging area. Used both for full checkpoints (all dirty pages)
// and for the single-page flush path triggered by buffer pool eviction
// of a dirty victim.
func (d *DWB) ApplyBatch(pages []*model.Page) error {
	if len(pages) == 0 {
		return nil
	}

	slots := make([]pagecodec.DWBSlot, 0, len(pages))
	for _, pg := range pages {
		img, err := pagecodec.EncodePage(pg)
		if err != nil {
			return errors.Wrapf(err, "dwb: encode page %d", pg.ID)
		}
		slots = append(slots, pagecodec.DWBSlot{PageID: pg.ID, Image: img})
	}

	// Stage the batch durably.
	blob, err := pagecodec.EncodeDWB(pagecodec.DWBBlob{Slots: slots})
	if err != nil {
		return errors.Wrap(err, "dwb: encode staging blob")
	}
	if err := d.disk.WriteArtifact(diskstore.ArtifactDWB, blob); err != nil {
		return errors.Wrap(err, "dwb: write staging blob")
	}
	if err := d.disk.Flush(); err != nil {
		return errors.Wrap(err, "dwb: flush staging blob")
	}

	// In-place writes. This is the only window where a page blob may be
	// torn by a crash; recovery's DWB phase repairs it from the snapshot
	// just made durable above.
	for _, pg := range pages {
		img, err := pagecodec.EncodePage(pg)
		if err != nil {
			return errors.Wrapf(err, "dwb: encode page %d", pg.ID)
		}
		if err := d.disk.WritePage(pg.ID, img); err != nil {
			return errors.Wrapf(err, "dwb: write page %d", pg.ID)
		}
	}
	if err := d.disk.Flush(); err != nil {
		return errors.Wrap(err, "dwb: flush in-place writes")
	}

	// Clear the staging area now that the batch is safely in place.
	if err := d.clear(); err != nil {
		return err
	}

	logging.L().WithFields(map[string]interface{}{"pages": len(pages)}).Debug("dwb: batch applied")
	return nil
}

// FlushOne applies the single-page batch protocol; the engine wraps it
// with a redo-log flush to build the buffer pool's eviction FlushFunc.
func (d *DWB) FlushOne(page *model.Page) error {
	return d.ApplyBatch([]*model.Page{page})
}

func (d *DWB) clear() error {
	empty, err := pagecodec.EncodeDWB(pagecodec.DWBBlob{})
	if err != nil {
		return errors.Wrap(err, "dwb: encode empty blob")
	}
	if err := d.disk.WriteArtifact(diskstore.ArtifactDWB, empty); err != nil {
		return errors.Wrap(err, "dwb: clear staging blob")
	}
	return d.disk.Flush()
}

// Recover repairs torn in-place writes at startup: a non-empty staging
// blob means a crash happened after a prior batch was staged but before
// it was cleared, so every staged page's in-place image may be torn.
// Overwrite each from its staged snapshot, then clear the staging area.
func (d *DWB) Recover() error {
	data, err := d.disk.ReadArtifact(diskstore.ArtifactDWB)
	if err != nil && !enginerr.Is(err, enginerr.ErrMissing) {
		return errors.Wrap(err, "dwb: read staging blob")
	}
	blob, err := pagecodec.DecodeDWB(data)
	if err != nil {
		return err
	}
	if len(blob.Slots) == 0 {
		return nil
	}

	logging.L().WithFields(map[string]interface{}{"pages": len(blob.Slots)}).
		Warn("dwb: repairing torn pages from double-write buffer")

	for _, slot := range blob.Slots {
		if err := d.disk.WritePage(slot.PageID, slot.Image); err != nil {
			return errors.Wrapf(err, "dwb: repair page %d", slot.PageID)
		}
	}
	if err := d.disk.Flush(); err != nil {
		return errors.Wrap(err, "dwb: flush repaired pages")
	}
	return d.clear()
}
