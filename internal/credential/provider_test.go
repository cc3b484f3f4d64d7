package credential

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vfserrors "github.com/OSGeo/gdal-sub056/pkg/errors"
)

func TestStaticCredentialsShortCircuit(t *testing.T) {
	p := NewProvider(Options{
		AccessKeyID:     "AKID",
		SecretAccessKey: "SECRET",
		SessionToken:    "TOKEN",
	}, nil)

	creds, err := p.Get(context.Background(), "bucket")
	require.NoError(t, err)
	assert.Equal(t, "AKID", creds.AccessKeyID)
	assert.Equal(t, "SECRET", creds.SecretAccessKey)
	assert.Equal(t, "TOKEN", creds.SessionToken)
}

func TestGetCachesPerBucket(t *testing.T) {
	calls := 0
	p := NewProvider(Options{}, nil)
	p.loadDefault = func(context.Context, *Provider) (aws.Credentials, error) {
		calls++
		return aws.Credentials{AccessKeyID: "chain-key", SecretAccessKey: "s"}, nil
	}
	ctx := context.Background()

	_, err := p.Get(ctx, "a")
	require.NoError(t, err)
	_, err = p.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	_, err = p.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestGetRefreshesNearExpiry(t *testing.T) {
	calls := 0
	p := NewProvider(Options{}, nil)
	p.loadDefault = func(context.Context, *Provider) (aws.Credentials, error) {
		calls++
		return aws.Credentials{
			AccessKeyID:     "k",
			SecretAccessKey: "s",
			CanExpire:       true,
			// Inside the refresh slack, so never considered usable.
			Expires: time.Now().Add(time.Minute),
		}, nil
	}
	ctx := context.Background()

	_, err := p.Get(ctx, "a")
	require.NoError(t, err)
	_, err = p.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestInvalidateForcesReload(t *testing.T) {
	calls := 0
	p := NewProvider(Options{}, nil)
	p.loadDefault = func(context.Context, *Provider) (aws.Credentials, error) {
		calls++
		return aws.Credentials{AccessKeyID: "k", SecretAccessKey: "s"}, nil
	}
	ctx := context.Background()

	_, err := p.Get(ctx, "a")
	require.NoError(t, err)
	p.Invalidate("a")
	_, err = p.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestGetFailsWhenNoSourceYields(t *testing.T) {
	p := NewProvider(Options{}, nil)
	p.loadDefault = func(context.Context, *Provider) (aws.Credentials, error) {
		return aws.Credentials{}, nil
	}

	_, err := p.Get(context.Background(), "bucket")
	require.Error(t, err)
	assert.Equal(t, vfserrors.ErrCodeCredentialsMissing, vfserrors.Code(err))
}
