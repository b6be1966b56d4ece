// Package pager reads and writes fixed-size pages of a database file.
//
// The pager owns every page buffer it hands out. Callers borrow pages via
// ReadPage and must pair each read with a ReleasePage; the pager uses
// reference counts to decide when a page can be dropped from the in-memory
// cache. The pager knows nothing about B-Trees: it only moves page-sized
// byte buffers between memory and disk.
package pager

import (
	"io"
	"os"

	kerrors "github.com/koradb/kora/core/errors"
	"github.com/koradb/kora/internal/logging"
)

// Pgno represents a page number in the database.
// Page numbers start at 1 (page 0 is reserved/invalid).
type Pgno uint32

const (
	// HeaderSize is the size of the file header at the start of page 1.
	HeaderSize = 100

	// DefaultPageSize is the page size for newly created files.
	DefaultPageSize = 1024

	// MinPageSize is the minimum allowed page size.
	MinPageSize = 512

	// MaxPageSize is the maximum allowed page size.
	MaxPageSize = 65536
)

// MemPage is an in-memory copy of a single database page. The Data buffer
// is owned by the pager; it stays valid until the last ReleasePage.
type MemPage struct {
	// Page number (1-based)
	Pgno Pgno

	// Page data (page-size bytes)
	Data []byte

	// Number of active borrows of this page
	refCount int
}

// Pager manages the pages of a single database file.
type Pager struct {
	file     *os.File
	filename string

	// Page size in bytes; zero until SetPageSize is called
	pageSize int

	// Number of pages in the database, including allocated-but-unwritten ones
	nPages Pgno

	// Pages currently borrowed by callers
	cache map[Pgno]*MemPage
}

// Open opens a database file, creating it if it does not exist.
// The page size must be set with SetPageSize before any page I/O.
func Open(filename string) (*Pager, error) {
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, kerrors.NewIO("open", filename, err)
	}

	return &Pager{
		file:     file,
		filename: filename,
		cache:    make(map[Pgno]*MemPage),
	}, nil
}

// Close closes the database file. Pages still borrowed become invalid.
func (p *Pager) Close() error {
	if err := p.file.Close(); err != nil {
		return kerrors.NewIO("close", p.filename, err)
	}
	return nil
}

// Filename returns the path of the underlying database file.
func (p *Pager) Filename() string {
	return p.filename
}

// ReadHeader reads the first 100 bytes of the file into buf.
// buf must be at least HeaderSize bytes long.
func (p *Pager) ReadHeader(buf []byte) error {
	if _, err := p.file.ReadAt(buf[:HeaderSize], 0); err != nil {
		return kerrors.NewIO("read header of", p.filename, err)
	}
	return nil
}

// SetPageSize fixes the page size and derives the page count from the
// current file size. Must be called exactly once, before any page I/O.
func (p *Pager) SetPageSize(size uint16) {
	p.pageSize = int(size)

	info, err := p.file.Stat()
	if err != nil {
		// Stat on an open file failing means the fd is gone; page I/O
		// will surface the real error.
		p.nPages = 0
		return
	}
	p.nPages = Pgno(info.Size() / int64(p.pageSize))
	if info.Size()%int64(p.pageSize) != 0 {
		p.nPages++
	}
}

// PageSize returns the configured page size in bytes.
func (p *Pager) PageSize() int {
	return p.pageSize
}

// NPages returns the number of pages in the database, counting pages
// allocated with AllocatePage that have not been written yet.
func (p *Pager) NPages() Pgno {
	return p.nPages
}

// AllocatePage reserves a fresh page number at the end of the file.
// No I/O happens until the page is written; reading it back before then
// yields a zero-filled buffer.
func (p *Pager) AllocatePage() Pgno {
	p.nPages++
	return p.nPages
}

// ReadPage returns the page with the given number. If the page is already
// borrowed, the same buffer is returned and the reference count grows.
// Page numbers outside [1, NPages] fail with ErrBadPageNo.
func (p *Pager) ReadPage(pgno Pgno) (*MemPage, error) {
	if pgno < 1 || pgno > p.nPages {
		return nil, kerrors.Wrapf(kerrors.ErrBadPageNo, "page %d of %d", pgno, p.nPages)
	}

	if page, ok := p.cache[pgno]; ok {
		page.refCount++
		return page, nil
	}

	page := &MemPage{
		Pgno:     pgno,
		Data:     make([]byte, p.pageSize),
		refCount: 1,
	}

	offset := int64(pgno-1) * int64(p.pageSize)
	_, err := p.file.ReadAt(page.Data, offset)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, kerrors.NewIO("read page from", p.filename, err)
	}
	// A short read past EOF leaves the tail zero-filled, which is exactly
	// the content of an allocated-but-unwritten page.

	p.cache[pgno] = page
	return page, nil
}

// WritePage flushes the page buffer to disk.
func (p *Pager) WritePage(page *MemPage) error {
	offset := int64(page.Pgno-1) * int64(p.pageSize)
	if _, err := p.file.WriteAt(page.Data, offset); err != nil {
		return kerrors.NewIO("write page to", p.filename, err)
	}
	return nil
}

// ReleasePage relinquishes the caller's hold on the page. When the last
// hold is dropped the buffer is evicted; unwritten changes are lost.
func (p *Pager) ReleasePage(page *MemPage) {
	if page == nil {
		return
	}
	page.refCount--
	if page.refCount <= 0 {
		if page.refCount < 0 {
			logging.ForComponent("pager").Warn("page released more times than read",
				"page", page.Pgno)
		}
		delete(p.cache, page.Pgno)
	}
}
