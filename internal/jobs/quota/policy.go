// Package quota answers how many jobs an organization may have active at once.
package quota

import (
	"context"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/open-edge-platform/geti-sub016/internal/jobs/metrics"
)

const DefaultTTL = time.Hour

// BillingClient fetches the maximum number of concurrent jobs of an organization.
type BillingClient interface {
	GetJobsQuota(ctx context.Context, organizationID string) (int, error)
}

// QuotaPolicy caches organization quotas for a TTL. Concurrent misses for the same organization
// share a single call to the billing service. When the billing service fails, the last value
// ever fetched for the organization is returned instead; with no such value the error is returned.
type QuotaPolicy struct {
	client BillingClient
	// Values younger than the TTL.
	fresh *cache.Cache
	// Every value ever fetched, used when the billing service is unavailable.
	lastKnown *cache.Cache
	group     singleflight.Group
	metrics   *metrics.Metrics
}

func NewQuotaPolicy(client BillingClient, ttl time.Duration, m *metrics.Metrics) *QuotaPolicy {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &QuotaPolicy{
		client:    client,
		fresh:     cache.New(ttl, ttl),
		lastKnown: cache.New(cache.NoExpiration, 0),
		metrics:   m,
	}
}

func (p *QuotaPolicy) GetOrganizationJobQuota(ctx context.Context, organizationID string) (int, error) {
	if quota, ok := p.fresh.Get(organizationID); ok {
		p.metrics.RecordQuotaLookup("hit")
		return quota.(int), nil
	}

	result, err, _ := p.group.Do(organizationID, func() (interface{}, error) {
		// Another caller may have filled the cache while we were waiting to enter.
		if quota, ok := p.fresh.Get(organizationID); ok {
			return quota, nil
		}
		quota, err := p.client.GetJobsQuota(ctx, organizationID)
		if err != nil {
			return nil, err
		}
		p.fresh.SetDefault(organizationID, quota)
		p.lastKnown.SetDefault(organizationID, quota)
		return quota, nil
	})
	if err == nil {
		p.metrics.RecordQuotaLookup("miss")
		return result.(int), nil
	}

	if quota, ok := p.lastKnown.Get(organizationID); ok {
		p.metrics.RecordQuotaLookup("stale")
		log.WithError(err).
			WithField("organizationId", organizationID).
			Warnf("Could not fetch jobs quota, using last known value %d", quota.(int))
		return quota.(int), nil
	}
	p.metrics.RecordQuotaLookup("error")
	return 0, errors.WithMessagef(err, "fetching jobs quota of organization %s", organizationID)
}

// Invalidate forgets the cached quota of an organization so that the next lookup fetches it again.
func (p *QuotaPolicy) Invalidate(organizationID string) {
	p.fresh.Delete(organizationID)
}

// StaticBillingClient gives every organization the same quota.
type StaticBillingClient struct {
	Quota int
}

func (c StaticBillingClient) GetJobsQuota(_ context.Context, _ string) (int, error) {
	return c.Quota, nil
}

func (c StaticBillingClient) String() string {
	return "static quota " + strconv.Itoa(c.Quota)
}
