package feed

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/xerrors"
)

// SSMAPI is the subset of the SSM client SSMRevisions needs.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMRevisions reads the latest publish revision from an SSM parameter.
type SSMRevisions struct {
	Client SSMAPI
	Param  string
}

// CurrentRevision returns the trimmed parameter value.
func (s *SSMRevisions) CurrentRevision(ctx context.Context) (string, error) {
	out, err := s.Client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.Param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", s.Param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", s.Param)
	}

	rev := strings.TrimSpace(*out.Parameter.Value)
	if rev == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", s.Param)
	}
	if !validRevision(rev) {
		return "", xerrors.Newf("SSM parameter %s holds an invalid revision", s.Param)
	}
	return rev, nil
}

// validRevision keeps revisions usable as a single object key segment.
func validRevision(rev string) bool {
	if len(rev) > 128 {
		return false
	}
	for _, r := range rev {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return rev != "." && rev != ".."
}
