package pageio

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	encMagic      = 0x45424447 // "GDBE"
	encVersion    = 1
	envelopeSize  = 32
	encSaltSize   = 16
	encNonceSize  = 12
	encTagSize    = 16
	encPageTail   = 32 // reserved tail: nonce + tag + padding
	encKeySize    = 32 // AES-256
	DefaultKDFIterations = 64_000
)

// Encrypted is the transparently encrypting page IO implementation.
// The file carries a 32-byte envelope (magic, KDF iterations, PBKDF2
// salt, page size) followed by pages of the configured physical size.
// Each page reserves 32 tail bytes for a random nonce and the AES-GCM
// tag over the usable prefix; the page id is bound in as additional
// data. Pages that were never written decrypt to zeros.
type Encrypted struct {
	path     string
	fd       *os.File
	physical int // on-disk page size
	usable   int // physical minus reserved tail
	aead     cipher.AEAD

	mu     sync.RWMutex
	closed bool
}

// EncryptionOptions configures OpenEncrypted.
type EncryptionOptions struct {
	PageSize      int    // physical page size; must be set for new files
	Password      string
	KDFIterations int // 0 means DefaultKDFIterations for new files
}

// OpenEncrypted opens or creates an encrypted page file. Opening an
// existing file with the wrong password fails with ErrInvalidPassword.
func OpenEncrypted(path string, opts EncryptionOptions) (*Encrypted, error) {
	if opts.Password == "" {
		return nil, fmt.Errorf("pageio: empty password: %w", ErrInvalidPassword)
	}

	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("pageio: open %s: %w", path, err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		fd.Close()
		return nil, err
	}

	stat, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("pageio: stat: %w", err)
	}

	e := &Encrypted{path: path, fd: fd}
	if stat.Size() == 0 {
		err = e.initEnvelope(opts)
	} else {
		err = e.loadEnvelope(opts)
	}
	if err != nil {
		fd.Close()
		return nil, err
	}
	return e, nil
}

func (e *Encrypted) initEnvelope(opts EncryptionOptions) error {
	if opts.PageSize <= encPageTail {
		return fmt.Errorf("pageio: page size %d too small for encryption tail: %w", opts.PageSize, ErrPageSize)
	}
	iter := opts.KDFIterations
	if iter <= 0 {
		iter = DefaultKDFIterations
	}

	salt := make([]byte, encSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("pageio: salt: %w", err)
	}

	env := make([]byte, envelopeSize)
	binary.LittleEndian.PutUint32(env[0:4], encMagic)
	binary.LittleEndian.PutUint16(env[4:6], encVersion)
	binary.LittleEndian.PutUint32(env[6:10], uint32(iter))
	binary.LittleEndian.PutUint32(env[10:14], uint32(opts.PageSize))
	copy(env[14:14+encSaltSize], salt)

	if _, err := e.fd.WriteAt(env, 0); err != nil {
		return fmt.Errorf("pageio: write envelope: %w", err)
	}
	if err := e.fd.Sync(); err != nil {
		return fmt.Errorf("pageio: fsync envelope: %w", err)
	}

	e.physical = opts.PageSize
	e.usable = opts.PageSize - encPageTail
	return e.deriveKey(opts.Password, salt, iter)
}

func (e *Encrypted) loadEnvelope(opts EncryptionOptions) error {
	env := make([]byte, envelopeSize)
	if _, err := io.ReadFull(io.NewSectionReader(e.fd, 0, envelopeSize), env); err != nil {
		return fmt.Errorf("pageio: read envelope: %w", err)
	}
	if binary.LittleEndian.Uint32(env[0:4]) != encMagic {
		return fmt.Errorf("pageio: missing encryption envelope: %w", ErrCorruptedPage)
	}
	if v := binary.LittleEndian.Uint16(env[4:6]); v != encVersion {
		return fmt.Errorf("pageio: unsupported encryption version %d: %w", v, ErrCorruptedPage)
	}

	iter := int(binary.LittleEndian.Uint32(env[6:10]))
	e.physical = int(binary.LittleEndian.Uint32(env[10:14]))
	e.usable = e.physical - encPageTail
	salt := env[14 : 14+encSaltSize]

	if err := e.deriveKey(opts.Password, salt, iter); err != nil {
		return err
	}

	// Verify the password against page 0 before handing the file to the
	// engine so a bad key surfaces as InvalidPassword, not corruption.
	dst := make([]byte, e.usable)
	if err := e.readPageLocked(0, dst); err != nil {
		return err
	}
	return nil
}

func (e *Encrypted) deriveKey(password string, salt []byte, iter int) error {
	key := pbkdf2.Key([]byte(password), salt, iter, encKeySize, sha512.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("pageio: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("pageio: gcm: %w", err)
	}
	e.aead = aead
	return nil
}

// PageSize returns the usable page size (physical size minus the
// reserved encryption tail).
func (e *Encrypted) PageSize() int { return e.usable }

func (e *Encrypted) pageOffset(id uint32) int64 {
	return envelopeSize + int64(id)*int64(e.physical)
}

func pageAAD(id uint32) []byte {
	var aad [4]byte
	binary.BigEndian.PutUint32(aad[:], id)
	return aad[:]
}

// ReadPage decrypts the page into dst. A page whose stored bytes are all
// zero was never written and reads as zeros. Authentication failure on a
// written page surfaces as ErrInvalidPassword.
func (e *Encrypted) ReadPage(ctx context.Context, id uint32, dst []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(dst) != e.usable {
		return ErrPageSize
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	return e.readPageLocked(id, dst)
}

func (e *Encrypted) readPageLocked(id uint32, dst []byte) error {
	raw := make([]byte, e.physical)
	n, err := e.fd.ReadAt(raw, e.pageOffset(id))
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		for i := n; i < len(raw); i++ {
			raw[i] = 0
		}
		err = nil
	}
	if err != nil {
		return fmt.Errorf("pageio: read page %d: %w", id, err)
	}

	nonce := raw[e.usable : e.usable+encNonceSize]
	tag := raw[e.usable+encNonceSize : e.usable+encNonceSize+encTagSize]
	if isZero(nonce) && isZero(tag) {
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}

	ct := make([]byte, 0, e.usable+encTagSize)
	ct = append(ct, raw[:e.usable]...)
	ct = append(ct, tag...)
	pt, err := e.aead.Open(dst[:0], nonce, ct, pageAAD(id))
	if err != nil {
		return fmt.Errorf("pageio: page %d auth failed: %w", id, ErrInvalidPassword)
	}
	if len(pt) != e.usable {
		return ErrCorruptedPage
	}
	return nil
}

// WritePage encrypts src under a fresh random nonce and stores it.
func (e *Encrypted) WritePage(ctx context.Context, id uint32, src []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(src) != e.usable {
		return ErrPageSize
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	raw := make([]byte, e.physical)
	nonce := make([]byte, encNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("pageio: nonce: %w", err)
	}

	sealed := e.aead.Seal(nil, nonce, src, pageAAD(id))
	copy(raw[:e.usable], sealed[:e.usable])
	copy(raw[e.usable:e.usable+encNonceSize], nonce)
	copy(raw[e.usable+encNonceSize:], sealed[e.usable:])

	if _, err := e.fd.WriteAt(raw, e.pageOffset(id)); err != nil {
		return fmt.Errorf("pageio: write page %d: %w", id, err)
	}
	return nil
}

// PageCount returns the number of pages stored after the envelope.
func (e *Encrypted) PageCount() (uint32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return 0, ErrClosed
	}
	stat, err := e.fd.Stat()
	if err != nil {
		return 0, fmt.Errorf("pageio: stat: %w", err)
	}
	size := stat.Size() - envelopeSize
	if size < 0 {
		size = 0
	}
	return uint32(size / int64(e.physical)), nil
}

// Truncate resizes the file to hold exactly pages pages.
func (e *Encrypted) Truncate(pages uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	size := envelopeSize + int64(pages)*int64(e.physical)
	if err := e.fd.Truncate(size); err != nil {
		return fmt.Errorf("pageio: truncate: %w", err)
	}
	return nil
}

// Flush fsyncs the file.
func (e *Encrypted) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if err := e.fd.Sync(); err != nil {
		return fmt.Errorf("pageio: fsync: %w", err)
	}
	return nil
}

// Close releases the file handle.
func (e *Encrypted) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.fd.Close()
}

func isZero(b []byte) bool {
	return bytes.Count(b, []byte{0}) == len(b)
}
