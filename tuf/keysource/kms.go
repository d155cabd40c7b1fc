package keysource

import (
	"context"
	"encoding/asn1"
	"encoding/pem"
	"math/big"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/pkg/errors"
)

// KMSSource produces a signer backed by an AWS KMS asymmetric signing key,
// grounded on original_source/tough-kms's profile+key-id addressed signer,
// reimplemented against aws-sdk-go-v2 (config.LoadDefaultConfig,
// kms.NewFromConfig) in the style of
// ILLUVRSE-Main/kernel/internal/audit/s3_archiver.go rather than Rust's
// rusoto client. KMS never exposes the private key, so Write always
// returns an error: key material managed by KMS cannot be round-tripped
// through this interface.
type KMSSource struct {
	Profile string
	Region  string
	KeyID   string

	client *kms.Client
}

func (k *KMSSource) ensureClient(ctx context.Context) error {
	if k.client != nil {
		return nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if k.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(k.Profile))
	}
	if k.Region != "" {
		opts = append(opts, awsconfig.WithRegion(k.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return errors.Wrap(err, "kms key source: loading aws config")
	}
	k.client = kms.NewFromConfig(cfg)
	return nil
}

func (k *KMSSource) AsSigner(ctx context.Context) (Signer, error) {
	if err := k.ensureClient(ctx); err != nil {
		return nil, err
	}
	out, err := k.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(k.KeyID)})
	if err != nil {
		return nil, errors.Wrap(err, "kms key source: GetPublicKey")
	}
	return &kmsSigner{client: k.client, keyID: k.KeyID, publicKeyDER: out.PublicKey, keySpec: out.KeySpec}, nil
}

func (k *KMSSource) Write(ctx context.Context, pemBytes []byte) error {
	return errors.New("kms key source: writing key material is not supported, keys are managed by KMS")
}

type kmsSigner struct {
	client       *kms.Client
	keyID        string
	publicKeyDER []byte
	keySpec      types.KeySpec
}

func (s *kmsSigner) PublicKeyDescriptor() (PublicKeyDescriptor, error) {
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: s.publicKeyDER}
	desc := PublicKeyDescriptor{Public: string(pem.EncodeToMemory(block))}
	switch s.keySpec {
	case types.KeySpecEccNistP256:
		desc.KeyType, desc.Scheme = "ecdsa", "ecdsa-sha2-nistp256"
	case types.KeySpecRsa2048, types.KeySpecRsa3072, types.KeySpecRsa4096:
		desc.KeyType, desc.Scheme = "rsa", "rsassa-pss-sha256"
	default:
		return PublicKeyDescriptor{}, errors.Errorf("kms key source: unsupported key spec %s", s.keySpec)
	}
	return desc, nil
}

func (s *kmsSigner) Sign(ctx context.Context, message []byte) ([]byte, string, error) {
	var algo types.SigningAlgorithmSpec
	var method string
	switch s.keySpec {
	case types.KeySpecEccNistP256:
		algo, method = types.SigningAlgorithmSpecEcdsaSha256, "ecdsa-sha2-nistp256"
	case types.KeySpecRsa2048, types.KeySpecRsa3072, types.KeySpecRsa4096:
		algo, method = types.SigningAlgorithmSpecRsassaPssSha256, "rsassa-pss-sha256"
	default:
		return nil, "", errors.Errorf("kms key source: unsupported key spec %s", s.keySpec)
	}
	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyID),
		Message:          message,
		MessageType:      types.MessageTypeRaw,
		SigningAlgorithm: algo,
	})
	if err != nil {
		return nil, "", errors.Wrap(err, "kms key source: Sign")
	}
	sig := out.Signature
	if algo == types.SigningAlgorithmSpecEcdsaSha256 {
		// KMS returns an ASN.1 DER-encoded ECDSA signature; the wire
		// format this module verifies against is fixed-width raw R||S
		// (matching tuf.ecdsaVerifier), so convert.
		raw, err := derECDSAToRaw(sig, 32)
		if err != nil {
			return nil, "", errors.Wrap(err, "kms key source: decoding signature")
		}
		sig = raw
	}
	return sig, method, nil
}

func derECDSAToRaw(der []byte, byteLen int) ([]byte, error) {
	var parsed struct {
		R, S *big.Int
	}
	if _, err := asn1.Unmarshal(der, &parsed); err != nil {
		return nil, err
	}
	return append(leftPad(parsed.R.Bytes(), byteLen), leftPad(parsed.S.Bytes(), byteLen)...), nil
}
