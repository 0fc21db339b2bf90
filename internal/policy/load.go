package policy

import (
	"context"
	"encoding/base64"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/quotaguard/internal/log"
	"github.com/keithlinneman/quotaguard/internal/xerrors"
)

// maxDocumentBytes bounds how much of a remote object is read.
const maxDocumentBytes = 1 << 20

// signatureSuffix is appended to an S3 key to find its detached signature.
const signatureSuffix = ".sig"

// ssmGetter is the subset of the SSM API used to read a policy parameter.
type ssmGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// s3Getter is the subset of the S3 API used to read a policy object and its signature.
type s3Getter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SignatureVerifier checks a detached signature over a document.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

type LoaderOptions struct {
	Logger log.Logger

	// Source selects the document:
	//   ""                      built-in defaults
	//   /path or file:///path   local YAML file
	//   ssm:/param/name         SSM parameter value
	//   s3://bucket/key         S3 object, signature at key.sig when Verifier is set
	Source string

	SSMClient ssmGetter
	S3Client  s3Getter

	// Verifier is required for s3 sources when set; unsigned objects are rejected.
	Verifier SignatureVerifier
}

type SourceKind int

const (
	KindDefaults SourceKind = iota
	KindFile
	KindSSM
	KindS3
)

func (k SourceKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindSSM:
		return "ssm"
	case KindS3:
		return "s3"
	}
	return SourceDefaults
}

// NeedsAWS reports whether loading this kind of source needs AWS credentials.
func (k SourceKind) NeedsAWS() bool { return k == KindSSM || k == KindS3 }

// ClassifySource maps a -policy-source value to its kind. S3 URIs are
// checked for a bucket and key here so bad config fails before any AWS call.
func ClassifySource(src string) (SourceKind, error) {
	src = strings.TrimSpace(src)
	switch {
	case src == "":
		return KindDefaults, nil
	case strings.HasPrefix(src, "ssm:"):
		if strings.TrimPrefix(src, "ssm:") == "" {
			return 0, xerrors.New("ssm policy source has no parameter name")
		}
		return KindSSM, nil
	case strings.HasPrefix(src, "s3://"):
		if _, _, err := splitS3URI(src); err != nil {
			return 0, err
		}
		return KindS3, nil
	case strings.HasPrefix(src, "file://"):
		if strings.TrimPrefix(src, "file://") == "" {
			return 0, xerrors.New("policy file path is empty")
		}
		return KindFile, nil
	case strings.Contains(src, "://"):
		return 0, xerrors.Newf("unsupported policy source scheme in %q", src)
	}
	return KindFile, nil
}

// Load reads and validates the policy named by opts.Source.
func Load(ctx context.Context, opts LoaderOptions) (*Policy, error) {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}

	src := strings.TrimSpace(opts.Source)
	kind, err := ClassifySource(src)
	if err != nil {
		return nil, err
	}
	var raw []byte
	switch kind {
	case KindDefaults:
		L.Info(ctx, "no policy source configured, using built-in defaults")
		return Defaults(), nil
	case KindSSM:
		raw, err = loadSSM(ctx, opts.SSMClient, strings.TrimPrefix(src, "ssm:"))
	case KindS3:
		raw, err = loadS3(ctx, opts.S3Client, opts.Verifier, src)
	default:
		raw, err = loadFile(strings.TrimPrefix(src, "file://"))
	}
	if err != nil {
		return nil, err
	}

	p, err := Parse(raw, src)
	if err != nil {
		return nil, err
	}
	L.Info(ctx, "loaded rate limit policy",
		"source", p.Source,
		"digest", p.Digest,
		"mutation_actions", len(p.Mutation),
		"api_actions", len(p.API),
	)
	return p, nil
}

func loadFile(path string) ([]byte, error) {
	if path == "" {
		return nil, xerrors.New("policy file path is empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read policy file %s", path)
	}
	return raw, nil
}

func loadSSM(ctx context.Context, client ssmGetter, name string) ([]byte, error) {
	if client == nil {
		return nil, xerrors.New("ssm policy source requires an SSM client")
	}
	if name == "" {
		return nil, xerrors.New("ssm policy source has no parameter name")
	}
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", name)
	}
	return []byte(*out.Parameter.Value), nil
}

func loadS3(ctx context.Context, client s3Getter, verifier SignatureVerifier, uri string) ([]byte, error) {
	if client == nil {
		return nil, xerrors.New("s3 policy source requires an S3 client")
	}
	bucket, key, err := splitS3URI(uri)
	if err != nil {
		return nil, err
	}

	raw, err := getObject(ctx, client, bucket, key)
	if err != nil {
		return nil, err
	}
	if verifier == nil {
		return raw, nil
	}

	encoded, err := getObject(ctx, client, bucket, key+signatureSuffix)
	if err != nil {
		return nil, xerrors.Wrap(err, "fetch policy signature")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return nil, xerrors.Wrapf(err, "decode signature s3://%s/%s%s", bucket, key, signatureSuffix)
	}
	if err := verifier.VerifySignature(ctx, raw, sig); err != nil {
		return nil, xerrors.Wrapf(err, "verify policy signature for s3://%s/%s", bucket, key)
	}
	return raw, nil
}

func getObject(ctx context.Context, client s3Getter, bucket, key string) ([]byte, error) {
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", bucket, key)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(out.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", bucket, key)
	}
	if len(raw) > maxDocumentBytes {
		return nil, xerrors.Newf("S3 object s3://%s/%s exceeds %d bytes", bucket, key, maxDocumentBytes)
	}
	return raw, nil
}

func splitS3URI(uri string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(uri, "s3://")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", xerrors.Newf("s3 policy source must be s3://bucket/key (got %q)", uri)
	}
	return bucket, key, nil
}
