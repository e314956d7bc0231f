package cryptoutil

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/signup-provisioner/internal/xerrors"
)

// kmsSignAPI is the subset of the KMS API needed to sign a digest.
// Extracted as an interface to enable unit testing without live AWS credentials.
type kmsSignAPI interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// KMSSigner signs audit-record digests with an asymmetric KMS key. The
// private key never leaves KMS; verification uses the key's public half
// out of band.
type KMSSigner struct {
	client kmsSignAPI
	keyARN string

	// Algorithm used for signing. Defaults to ECDSA_SHA_256, which matches
	// the ECC_NIST_P256 keys our deploy tooling provisions.
	Algorithm kmstypes.SigningAlgorithmSpec
}

func NewKMSSigner(client *kms.Client, keyARN string) *KMSSigner {
	return newKMSSignerWithAPI(client, keyARN)
}

func newKMSSignerWithAPI(client kmsSignAPI, keyARN string) *KMSSigner {
	return &KMSSigner{
		client:    client,
		keyARN:    keyARN,
		Algorithm: kmstypes.SigningAlgorithmSpecEcdsaSha256,
	}
}

// SignDigest signs a precomputed SHA-256 digest. Passing the digest rather
// than the message keeps payloads off the KMS wire and under the 4KB limit.
func (s *KMSSigner) SignDigest(ctx context.Context, digest []byte) ([]byte, error) {
	if s.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}
	if len(digest) != 32 {
		return nil, xerrors.Newf("digest must be 32 bytes for %s, got %d", s.Algorithm, len(digest))
	}

	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyARN),
		Message:          digest,
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: s.Algorithm,
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms sign")
	}
	if len(out.Signature) == 0 {
		return nil, xerrors.Newf("kms returned an empty signature for key %s", s.keyARN)
	}
	return out.Signature, nil
}

// KeyARN returns the signing key this signer is bound to.
func (s *KMSSigner) KeyARN() string { return s.keyARN }
