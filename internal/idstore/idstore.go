// Package idstore wraps the identity-store group membership API used to
// grant signup requests access to the restricted group.
package idstore

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/identitystore"
	idtypes "github.com/aws/aws-sdk-go-v2/service/identitystore/types"

	"github.com/keithlinneman/signup-provisioner/internal/xerrors"
)

// ErrAlreadyMember reports that the principal was already a member of the
// group. Membership addition is idempotent, so callers normally treat this
// the same as success; the sentinel exists for logging and metrics.
var ErrAlreadyMember = errors.New("principal is already a group member")

// membershipCreator is the subset of the identitystore API we call.
// Extracted as an interface to enable unit testing without live AWS credentials.
type membershipCreator interface {
	CreateGroupMembership(ctx context.Context, params *identitystore.CreateGroupMembershipInput, optFns ...func(*identitystore.Options)) (*identitystore.CreateGroupMembershipOutput, error)
}

// Client adds principals to a single identity-store group.
type Client struct {
	api             membershipCreator
	identityStoreID string
	groupID         string
}

func New(api *identitystore.Client, identityStoreID, groupID string) *Client {
	return &Client{api: api, identityStoreID: identityStoreID, groupID: groupID}
}

// newWithAPI is the test seam.
func newWithAPI(api membershipCreator, identityStoreID, groupID string) *Client {
	return &Client{api: api, identityStoreID: identityStoreID, groupID: groupID}
}

// AddMemberToGroup makes the principal a member of the configured group.
// Re-adding an existing member returns ErrAlreadyMember, never a hard
// failure: the store enforces uniqueness itself and reports it as a
// conflict, which is the end state we wanted anyway.
func (c *Client) AddMemberToGroup(ctx context.Context, principalID string) error {
	_, err := c.api.CreateGroupMembership(ctx, &identitystore.CreateGroupMembershipInput{
		IdentityStoreId: aws.String(c.identityStoreID),
		GroupId:         aws.String(c.groupID),
		MemberId: &idtypes.MemberIdMemberUserId{
			Value: principalID,
		},
	})
	if err != nil {
		var conflict *idtypes.ConflictException
		if errors.As(err, &conflict) {
			return ErrAlreadyMember
		}
		return xerrors.Wrapf(err, "create group membership for %s", principalID)
	}
	return nil
}

// GroupID returns the group this client grants membership in.
func (c *Client) GroupID() string { return c.groupID }
