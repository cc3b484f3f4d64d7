// Package credential resolves signing credentials for bucket requests.
// Resolution order mirrors the usual SDK chain: explicit static keys,
// shared profile / environment via the default chain, then EC2 instance
// metadata when enabled. Results are cached per bucket and refreshed
// before expiry; concurrent refreshes for the same bucket collapse into
// one upstream call.
package credential

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/ec2rolecreds"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"golang.org/x/sync/singleflight"

	vfserrors "github.com/OSGeo/gdal-sub056/pkg/errors"
)

// expirySlack forces a refresh shortly before the upstream expiry so a
// request signed now is still valid when it reaches the server.
const expirySlack = 2 * time.Minute

// Options selects the credential sources to consult.
type Options struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Profile         string
	Region          string
	UseEC2Metadata  bool
}

type cached struct {
	creds aws.Credentials
}

// Provider hands out credentials for request signing.
type Provider struct {
	opts   Options
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]cached

	group singleflight.Group

	// loadDefault is swapped out in tests.
	loadDefault func(ctx context.Context, p *Provider) (aws.Credentials, error)
}

// NewProvider builds a provider from resolved filesystem options.
func NewProvider(opts Options, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		opts:        opts,
		logger:      logger.With("component", "credentials"),
		cache:       make(map[string]cached),
		loadDefault: loadDefaultChain,
	}
}

// Get returns credentials usable for signing a request against bucket.
func (p *Provider) Get(ctx context.Context, bucket string) (aws.Credentials, error) {
	if p.opts.AccessKeyID != "" && p.opts.SecretAccessKey != "" {
		static := credentials.NewStaticCredentialsProvider(
			p.opts.AccessKeyID, p.opts.SecretAccessKey, p.opts.SessionToken)
		return static.Retrieve(ctx)
	}

	p.mu.RLock()
	entry, ok := p.cache[bucket]
	p.mu.RUnlock()
	if ok && usable(entry.creds) {
		return entry.creds, nil
	}

	v, err, _ := p.group.Do(bucket, func() (interface{}, error) {
		// Another caller may have refreshed while we queued.
		p.mu.RLock()
		entry, ok := p.cache[bucket]
		p.mu.RUnlock()
		if ok && usable(entry.creds) {
			return entry.creds, nil
		}

		creds, err := p.resolve(ctx)
		if err != nil {
			return aws.Credentials{}, err
		}
		p.mu.Lock()
		p.cache[bucket] = cached{creds: creds}
		p.mu.Unlock()
		return creds, nil
	})
	if err != nil {
		return aws.Credentials{}, vfserrors.Wrap(vfserrors.ErrCodeCredentialsMissing,
			"failed to resolve credentials", err).WithContext("bucket", bucket)
	}
	return v.(aws.Credentials), nil
}

// Invalidate drops any cached credentials for bucket, forcing the next
// Get to hit the upstream source.
func (p *Provider) Invalidate(bucket string) {
	p.mu.Lock()
	delete(p.cache, bucket)
	p.mu.Unlock()
}

func (p *Provider) resolve(ctx context.Context) (aws.Credentials, error) {
	creds, err := p.loadDefault(ctx, p)
	if err == nil && creds.AccessKeyID != "" {
		p.logger.Debug("resolved credentials", "source", creds.Source)
		return creds, nil
	}
	if p.opts.UseEC2Metadata {
		roleProvider := ec2rolecreds.New(func(o *ec2rolecreds.Options) {
			o.Client = imds.New(imds.Options{})
		})
		creds, imdsErr := roleProvider.Retrieve(ctx)
		if imdsErr == nil {
			p.logger.Debug("resolved credentials from instance metadata",
				"expires", creds.Expires)
			return creds, nil
		}
		p.logger.Debug("instance metadata credentials unavailable", "error", imdsErr)
	}
	if err == nil {
		err = vfserrors.New(vfserrors.ErrCodeCredentialsMissing, "no credential source yielded credentials")
	}
	return aws.Credentials{}, err
}

func loadDefaultChain(ctx context.Context, p *Provider) (aws.Credentials, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if p.opts.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(p.opts.Profile))
	}
	if p.opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(p.opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Credentials{}, err
	}
	return cfg.Credentials.Retrieve(ctx)
}

func usable(c aws.Credentials) bool {
	if c.AccessKeyID == "" {
		return false
	}
	if !c.CanExpire {
		return true
	}
	return time.Until(c.Expires) > expirySlack
}
