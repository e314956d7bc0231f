package cfg

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/keithlinneman/signup-provisioner/internal/xerrors"
)

// fakeParams serves parameters from a map and records the names requested.
type fakeParams struct {
	values    map[string]string
	err       error
	requested []string
}

func (f *fakeParams) GetParameter(ctx context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	name := aws.ToString(in.Name)
	f.requested = append(f.requested, name)
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[name]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{}
	}
	return &ssm.GetParameterOutput{
		Parameter: &ssmtypes.Parameter{Value: aws.String(v)},
	}, nil
}

func TestFillSlackFromSSM_NoPrefixIsNoop(t *testing.T) {
	f := &fakeParams{}
	c := App{}
	if err := FillSlackFromSSM(context.Background(), f, &c); err != nil {
		t.Fatalf("FillSlackFromSSM: %v", err)
	}
	if len(f.requested) != 0 {
		t.Errorf("no prefix configured, SSM should not be called: %v", f.requested)
	}
}

func TestFillSlackFromSSM_SkipsWhenAlreadySet(t *testing.T) {
	f := &fakeParams{}
	c := App{
		SlackParamsSSMPrefix: "/app/signup/slack",
		SlackWorkspaceID:     "T0WS",
		SlackChannelID:       "C0CH",
	}
	if err := FillSlackFromSSM(context.Background(), f, &c); err != nil {
		t.Fatalf("FillSlackFromSSM: %v", err)
	}
	if len(f.requested) != 0 {
		t.Errorf("explicit values must win, SSM should not be called: %v", f.requested)
	}
}

func TestFillSlackFromSSM_FillsBoth(t *testing.T) {
	f := &fakeParams{values: map[string]string{
		"/app/signup/slack/workspace-id": "T0WS",
		"/app/signup/slack/channel-id":   "C0CH",
	}}
	c := App{SlackParamsSSMPrefix: "/app/signup/slack/"}
	if err := FillSlackFromSSM(context.Background(), f, &c); err != nil {
		t.Fatalf("FillSlackFromSSM: %v", err)
	}
	if c.SlackWorkspaceID != "T0WS" || c.SlackChannelID != "C0CH" {
		t.Errorf("got workspace=%q channel=%q", c.SlackWorkspaceID, c.SlackChannelID)
	}
}

func TestFillSlackFromSSM_MissingParameterIsNotAnError(t *testing.T) {
	f := &fakeParams{values: map[string]string{}}
	c := App{SlackParamsSSMPrefix: "/app/signup/slack"}
	if err := FillSlackFromSSM(context.Background(), f, &c); err != nil {
		t.Fatalf("missing parameter must not fail: %v", err)
	}
	if c.SlackWorkspaceID != "" || c.SlackChannelID != "" {
		t.Errorf("ids should stay empty: workspace=%q channel=%q", c.SlackWorkspaceID, c.SlackChannelID)
	}
}

func TestFillSlackFromSSM_TransportErrorSurfaces(t *testing.T) {
	f := &fakeParams{err: xerrors.New("ssm unreachable")}
	c := App{SlackParamsSSMPrefix: "/app/signup/slack"}
	if err := FillSlackFromSSM(context.Background(), f, &c); err == nil {
		t.Fatal("transport error should surface to the caller")
	}
}
