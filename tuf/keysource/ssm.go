package keysource

import (
	"context"
	"encoding/pem"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/pkg/errors"
)

// SSMSource reads (and can write) a PEM-encoded private key stored as a
// SecureString SSM parameter, grounded on original_source/tough-ssm's
// get_parameter/put_parameter behavior, reimplemented against
// aws-sdk-go-v2's service/ssm client.
type SSMSource struct {
	Profile       string
	Region        string
	ParameterName string

	client *ssm.Client
}

func (s *SSMSource) ensureClient(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if s.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(s.Profile))
	}
	if s.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return errors.Wrap(err, "ssm key source: loading aws config")
	}
	s.client = ssm.NewFromConfig(cfg)
	return nil
}

func (s *SSMSource) AsSigner(ctx context.Context) (Signer, error) {
	if err := s.ensureClient(ctx); err != nil {
		return nil, err
	}
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.ParameterName),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.Wrap(err, "ssm key source: GetParameter")
	}
	block, _ := pem.Decode([]byte(aws.ToString(out.Parameter.Value)))
	if block == nil {
		return nil, errors.Errorf("ssm key source: parameter %s is not PEM encoded", s.ParameterName)
	}
	key, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(err, "ssm key source: parsing parameter %s", s.ParameterName)
	}
	return &localSigner{key: key}, nil
}

func (s *SSMSource) Write(ctx context.Context, pemBytes []byte) error {
	if err := s.ensureClient(ctx); err != nil {
		return err
	}
	_, err := s.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(s.ParameterName),
		Value:     aws.String(string(pemBytes)),
		Type:      types.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return errors.Wrap(err, "ssm key source: PutParameter")
	}
	return nil
}
