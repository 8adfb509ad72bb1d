package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

const testARN = "arn:aws:kms:us-east-2:000000000000:key/test-key-id"

type fakeKMS struct {
	der   []byte
	usage kmstypes.KeyUsageType
	err   error
	calls int
}

func (f *fakeKMS) GetPublicKey(_ context.Context, _ *kms.GetPublicKeyInput, _ ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &kms.GetPublicKeyOutput{PublicKey: f.der, KeyUsage: f.usage}, nil
}

func fakeFor(t *testing.T, pub crypto.PublicKey) *fakeKMS {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return &fakeKMS{der: der, usage: kmstypes.KeyUsageTypeSignVerify}
}

func TestVerify_ECDSA(t *testing.T) {
	msg := []byte("encrypted-app.bin bytes")
	for _, curve := range []elliptic.Curve{elliptic.P256(), elliptic.P384()} {
		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		var digest []byte
		if curve == elliptic.P384() {
			d := sha512.Sum384(msg)
			digest = d[:]
		} else {
			d := sha256.Sum256(msg)
			digest = d[:]
		}
		sig, err := ecdsa.SignASN1(rand.Reader, key, digest)
		if err != nil {
			t.Fatal(err)
		}

		v := NewKMSVerifier(fakeFor(t, &key.PublicKey), testARN)
		if err := v.Verify(context.Background(), msg, sig); err != nil {
			t.Fatalf("%s: valid signature rejected: %v", curve.Params().Name, err)
		}
		if err := v.Verify(context.Background(), []byte("tampered"), sig); !errors.Is(err, ErrBadSignature) {
			t.Fatalf("%s: err = %v, want ErrBadSignature", curve.Params().Name, err)
		}
	}
}

func TestVerify_RSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("container")
	digest := sha256.Sum256(msg)

	pss, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
	if err != nil {
		t.Fatal(err)
	}
	v1, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatal(err)
	}

	v := NewKMSVerifier(fakeFor(t, &key.PublicKey), testARN)
	if err := v.Verify(context.Background(), msg, pss); err != nil {
		t.Fatalf("PSS rejected: %v", err)
	}
	if err := v.Verify(context.Background(), msg, v1); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("PKCS1v15 must be rejected by default, got %v", err)
	}
	v.AllowPKCS1v15 = true
	if err := v.Verify(context.Background(), msg, v1); err != nil {
		t.Fatalf("PKCS1v15 fallback rejected: %v", err)
	}
}

func TestPublicKey_Cached(t *testing.T) {
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	f := fakeFor(t, &key.PublicKey)
	v := NewKMSVerifier(f, testARN)
	for i := 0; i < 3; i++ {
		if _, err := v.PublicKey(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if f.calls != 1 {
		t.Fatalf("GetPublicKey called %d times, want 1", f.calls)
	}
}

func TestPublicKey_Errors(t *testing.T) {
	ctx := context.Background()

	if _, err := NewKMSVerifier(nil, testARN).PublicKey(ctx); err == nil {
		t.Fatal("expected error with nil client")
	}

	f := &fakeKMS{err: errors.New("AccessDenied")}
	v := NewKMSVerifier(f, testARN)
	if _, err := v.PublicKey(ctx); err == nil {
		t.Fatal("expected fetch error")
	}
	if _, err := v.PublicKey(ctx); err == nil || f.calls != 2 {
		t.Fatal("failed fetches must not be cached")
	}

	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	wrongUsage := fakeFor(t, &key.PublicKey)
	wrongUsage.usage = kmstypes.KeyUsageTypeEncryptDecrypt
	if _, err := NewKMSVerifier(wrongUsage, testARN).PublicKey(ctx); err == nil {
		t.Fatal("expected error for ENCRYPT_DECRYPT key")
	}

	garbage := &fakeKMS{der: []byte("not der"), usage: kmstypes.KeyUsageTypeSignVerify}
	if _, err := NewKMSVerifier(garbage, testARN).PublicKey(ctx); err == nil {
		t.Fatal("expected DER parse error")
	}
}

func TestVerify_UnsupportedCurve(t *testing.T) {
	key, _ := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	v := NewKMSVerifier(fakeFor(t, &key.PublicKey), testARN)
	err := v.Verify(context.Background(), []byte("m"), []byte("sig"))
	if err == nil || errors.Is(err, ErrBadSignature) {
		t.Fatalf("unsupported curve should be a configuration error, got %v", err)
	}
}
