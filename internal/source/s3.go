package source

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/keithlinneman/linnemanlabs-vault/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-vault/internal/log"
	"github.com/keithlinneman/linnemanlabs-vault/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-vault/internal/xerrors"
)

// DefaultSignatureSuffix names the detached signature object next to a
// container: <object>.sig
const DefaultSignatureSuffix = ".sig"

type ssmAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3Options struct {
	Logger log.Logger

	// SSMParam holds the object name of the current container.
	SSMParam string

	// Containers live at s3://{Bucket}/{Prefix}/{name}
	Bucket string
	Prefix string

	MaxBytes int64

	// Verifier, when set, requires a detached signature object
	// {name}{SignatureSuffix} next to the container.
	Verifier        SignatureVerifier
	SignatureSuffix string

	// AWS config (uses default chain if nil). Ignored for clients that are set.
	AWSConfig *aws.Config
	SSM       ssmAPI
	S3        s3API
}

// S3Fetcher reads the container named by an SSM parameter out of S3.
//
// When the object name is a 64 character hex digest (optionally with an
// extension) the body must hash to it.
type S3Fetcher struct {
	opts   S3Options
	ssm    ssmAPI
	s3     s3API
	logger log.Logger
}

func NewS3Fetcher(ctx context.Context, opts S3Options) (*S3Fetcher, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("SSMParam is required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.New("Bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.SignatureSuffix == "" {
		opts.SignatureSuffix = DefaultSignatureSuffix
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")

	if opts.SSM == nil || opts.S3 == nil {
		var awsCfg aws.Config
		if opts.AWSConfig != nil {
			awsCfg = *opts.AWSConfig
		} else {
			var err error
			awsCfg, err = config.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, xerrors.Wrap(err, "load AWS config")
			}
		}
		if opts.SSM == nil {
			opts.SSM = ssm.NewFromConfig(awsCfg)
		}
		if opts.S3 == nil {
			opts.S3 = s3.NewFromConfig(awsCfg)
		}
	}

	return &S3Fetcher{opts: opts, ssm: opts.SSM, s3: opts.S3, logger: opts.Logger}, nil
}

// CurrentVersion returns the object name published in SSM.
func (f *S3Fetcher) CurrentVersion(ctx context.Context) (string, error) {
	out, err := f.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(f.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var nf *ssmtypes.ParameterNotFound
		if errors.As(err, &nf) {
			return "", xerrors.Newf("%w: SSM parameter %s does not exist", ErrNotFound, f.opts.SSMParam)
		}
		return "", xerrors.Wrapf(err, "get SSM parameter %s", f.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("%w: SSM parameter %s has no value", ErrNotFound, f.opts.SSMParam)
	}
	name := strings.TrimSpace(*out.Parameter.Value)
	if name == "" {
		return "", xerrors.Newf("%w: SSM parameter %s is empty", ErrNotFound, f.opts.SSMParam)
	}
	if !pathutil.SafeObjectName(name) {
		return "", xerrors.Newf("SSM parameter %s holds unsafe object name %q", f.opts.SSMParam, name)
	}
	return name, nil
}

func (f *S3Fetcher) objectKey(name string) string {
	if f.opts.Prefix == "" {
		return name
	}
	return f.opts.Prefix + "/" + name
}

// Fetch resolves the current object name and downloads it.
func (f *S3Fetcher) Fetch(ctx context.Context) (*Artifact, error) {
	name, err := f.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	return f.FetchVersion(ctx, name)
}

// FetchVersion downloads a specific container object and checks its digest
// and signature.
func (f *S3Fetcher) FetchVersion(ctx context.Context, name string) (*Artifact, error) {
	key := f.objectKey(name)
	location := "s3://" + f.opts.Bucket + "/" + key

	data, err := f.getObject(ctx, key)
	if err != nil {
		return nil, err
	}
	a := newArtifact(data, name, KindS3, location)

	if digest := digestFromName(name); digest != "" && !cryptoutil.HashEqual(digest, a.SHA256) {
		return nil, xerrors.Newf("%w: %s: expected %s, got %s", ErrChecksum, location, digest, a.SHA256)
	}

	if f.opts.Verifier != nil {
		sig, err := f.getObject(ctx, key+f.opts.SignatureSuffix)
		if err != nil {
			return nil, xerrors.Mark(err, ErrSignature)
		}
		if err := f.opts.Verifier.Verify(ctx, data, sig); err != nil {
			return nil, xerrors.Mark(err, ErrSignature)
		}
		f.logger.Debug(ctx, "container signature verified", "object_key", key)
	}

	f.logger.Debug(ctx, "fetched container",
		"bucket", f.opts.Bucket,
		"object_key", key,
		"bytes", len(data),
		"sha256", cryptoutil.ShortHash(a.SHA256),
	)
	return a, nil
}

func (f *S3Fetcher) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := f.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, xerrors.Newf("%w: s3://%s/%s", ErrNotFound, f.opts.Bucket, key)
		}
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", f.opts.Bucket, key)
	}
	defer out.Body.Close()
	return readLimited(out.Body, f.opts.MaxBytes)
}

// digestFromName returns the hex digest an object is named after, if any.
func digestFromName(name string) string {
	base := path.Base(name)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	if len(base) != 64 {
		return ""
	}
	for _, c := range base {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return ""
		}
	}
	return base
}
