// Package source fetches the encrypted container for an unlock attempt.
//
// Every fetch goes to the authority for the artifact (the origin over HTTP,
// or S3 behind an SSM pointer) and bypasses any cache on the way. The
// bytes are handed back as an [Artifact]; nothing here decrypts.
package source

import (
	"context"
	"errors"
	"io"

	"github.com/keithlinneman/linnemanlabs-vault/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-vault/internal/xerrors"
)

type Kind string

const (
	KindHTTP Kind = "http"
	KindS3   Kind = "s3"
)

// DefaultMaxBytes bounds how much of a container body is read.
const DefaultMaxBytes int64 = 64 << 20

var (
	// ErrNotFound means the authority answered but had no container:
	// a non-2xx status, a missing object or an empty pointer.
	ErrNotFound = errors.New("container not found")
	// ErrTooLarge means the body exceeded the configured limit.
	ErrTooLarge = errors.New("container exceeds size limit")
	// ErrSignature means a detached signature was missing or did not verify.
	ErrSignature = errors.New("container signature rejected")
	// ErrChecksum means the body did not hash to the digest it was published under.
	ErrChecksum = errors.New("container checksum mismatch")
)

// Artifact is one fetched container.
type Artifact struct {
	Data []byte
	// SHA256 is the hex digest of Data.
	SHA256 string
	// Version identifies the published container: ETag or Last-Modified
	// for HTTP, the object name for S3, falling back to SHA256.
	Version string
	Source  Kind
	// Location is where the bytes came from, for logs.
	Location string
}

// Fetcher retrieves the current container, bypassing caches.
type Fetcher interface {
	Fetch(ctx context.Context) (*Artifact, error)
}

// VersionProber reports the currently published container version without
// necessarily downloading it. Versions are comparable with Artifact.Version.
type VersionProber interface {
	CurrentVersion(ctx context.Context) (string, error)
}

// SignatureVerifier checks a detached signature over a container body.
// *cryptoutil.KMSVerifier satisfies it.
type SignatureVerifier interface {
	Verify(ctx context.Context, message, signature []byte) error
}

var _ SignatureVerifier = (*cryptoutil.KMSVerifier)(nil)

// readLimited reads r fully, failing with ErrTooLarge past max bytes.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxBytes
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, xerrors.Wrap(err, "read container body")
	}
	if int64(len(b)) > max {
		return nil, xerrors.Newf("%w: more than %d bytes", ErrTooLarge, max)
	}
	return b, nil
}

func newArtifact(data []byte, version string, kind Kind, location string) *Artifact {
	sum := cryptoutil.SHA256Hex(data)
	if version == "" {
		version = sum
	}
	return &Artifact{
		Data:     data,
		SHA256:   sum,
		Version:  version,
		Source:   kind,
		Location: location,
	}
}
