package cfg

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/smithy-go"

	"github.com/keithlinneman/signup-provisioner/internal/log"
)

// ParameterGetter is the subset of the SSM API needed to resolve settings.
// Extracted as an interface to enable unit testing without live AWS credentials.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// FillSlackFromSSM resolves the Slack identifiers from SSM Parameter Store
// when they were not provided via flag or env. Parameters are looked up at
// <prefix>/workspace-id and <prefix>/channel-id (SecureString supported).
//
// SSM sits below both explicit sources in precedence, and absence there is
// not an error: alerting simply stays off. Only a transport-level failure
// is returned, so the caller can decide whether to continue without alerts.
func FillSlackFromSSM(ctx context.Context, client ParameterGetter, c *App) error {
	if c.SlackParamsSSMPrefix == "" {
		return nil
	}
	if c.SlackWorkspaceID != "" && c.SlackChannelID != "" {
		return nil
	}
	L := log.FromContext(ctx)

	prefix := strings.TrimSuffix(c.SlackParamsSSMPrefix, "/")
	if c.SlackWorkspaceID == "" {
		v, err := getParam(ctx, client, prefix+"/workspace-id")
		if err != nil {
			return err
		}
		if v != "" {
			c.SlackWorkspaceID = v
			L.Info(ctx, "resolved slack workspace id from ssm", "param", prefix+"/workspace-id")
		}
	}
	if c.SlackChannelID == "" {
		v, err := getParam(ctx, client, prefix+"/channel-id")
		if err != nil {
			return err
		}
		if v != "" {
			c.SlackChannelID = v
			L.Info(ctx, "resolved slack channel id from ssm", "param", prefix+"/channel-id")
		}
	}
	return nil
}

// getParam fetches a single parameter value, mapping not-found to "".
func getParam(ctx context.Context, client ParameterGetter, name string) (string, error) {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		if isParameterNotFound(err) {
			return "", nil
		}
		return "", err
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", nil
	}
	return strings.TrimSpace(*out.Parameter.Value), nil
}

func isParameterNotFound(err error) bool {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode() == "ParameterNotFound"
	}
	return false
}
