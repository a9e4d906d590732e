// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package reconcile extracts domains from Marathon app labels, diffs
// them against the certificate store, dispatches issuance for whatever
// is missing, and signals marathon-lb once any certificate changed.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/praekeltfoundation/marathon-acme/acmeservice"
	"github.com/praekeltfoundation/marathon-acme/certstore"
	"github.com/praekeltfoundation/marathon-acme/marathonclient"
	"github.com/praekeltfoundation/marathon-acme/marathonlb"
	"github.com/praekeltfoundation/marathon-acme/metrics"
)

const (
	defaultHAProxyGroup = "HAPROXY_GROUP"
	haproxyGroupPrefix  = "HAPROXY_"
	haproxyGroupSuffix  = "_GROUP"
	domainLabelPrefix   = "MARATHON_ACME_"
	domainLabelSuffix   = "_DOMAIN"
)

// AppsFetcher is the slice of marathonclient.Client the Reconciler needs;
// *marathonclient.Client satisfies it. A narrow interface here, rather
// than depending on the concrete client, lets tests supply fakes without
// spinning up an HTTP server.
type AppsFetcher interface {
	GetApps(ctx context.Context) (*marathonclient.AppsResponse, error)
}

// LBSignaller is the slice of marathonlb.Client the Reconciler needs;
// *marathonlb.Client satisfies it.
type LBSignaller interface {
	SignalUSR1(ctx context.Context) ([]error, error)
}

// Reconciler implements the sync() procedure described by the core's
// component design: diff wanted domains against the store, issue what's
// missing, and signal the load balancer once per sync that changed
// anything.
type Reconciler struct {
	Marathon           AppsFetcher
	Store              certstore.Store
	ACME               acmeservice.Service
	LB                 LBSignaller
	Group              string
	AllowMultipleCerts bool
	Log                *zap.Logger
	Metrics            *metrics.Metrics
}

// Result is the outcome of one Sync call, useful for tests and metrics.
type Result struct {
	Wanted    []string
	Issued    []string
	Failed    map[string]error
	Signalled bool
}

// Sync runs one reconciliation pass per the core's sync() procedure:
//  1. fetch apps
//  2. collect domains whose effective port group matches r.Group
//  3. deduplicate into the wanted set
//  4. diff against the store's current keys
//  5. issue every missing domain concurrently; failures are logged and
//     accumulated, never cancel other issuances
//  6. signal the load balancer once, only if anything was issued
//
// Sync is idempotent: calling it twice with no external change issues
// nothing the second time and does not signal the load balancer.
func (r *Reconciler) Sync(ctx context.Context) (Result, error) {
	logger := r.logger().With(zap.String("sync_id", uuid.NewString()))
	if r.Metrics != nil {
		r.Metrics.SyncsTotal.Inc()
	}

	apps, err := r.Marathon.GetApps(ctx)
	if err != nil {
		if r.Metrics != nil {
			r.Metrics.SyncErrorsTotal.Inc()
		}
		return Result{}, fmt.Errorf("reconcile: fetching apps: %w", err)
	}

	wantedSet := make(map[string]struct{})
	for _, app := range apps.Apps {
		for _, domain := range r.appDomains(app, logger) {
			wantedSet[domain] = struct{}{}
		}
	}
	wanted := sortedKeys(wantedSet)

	have, err := r.Store.AsDict(ctx)
	if err != nil {
		if r.Metrics != nil {
			r.Metrics.SyncErrorsTotal.Inc()
		}
		return Result{}, fmt.Errorf("reconcile: reading certificate store: %w", err)
	}

	var missing []string
	for _, domain := range wanted {
		if _, ok := have[domain]; !ok {
			missing = append(missing, domain)
		}
	}
	sort.Strings(missing)

	result := Result{Wanted: wanted, Failed: map[string]error{}}
	if len(missing) == 0 {
		return result, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	issuedCh := make(chan string, len(missing))
	failedCh := make(chan struct {
		domain string
		err    error
	}, len(missing))

	for _, domain := range missing {
		domain := domain
		g.Go(func() error {
			bundle, err := r.ACME.Issue(gctx, domain)
			if err != nil {
				failedCh <- struct {
					domain string
					err    error
				}{domain, err}
				logger.Warn("certificate issuance failed", zap.String("domain", domain), zap.Error(err))
				if r.Metrics != nil {
					r.Metrics.IssuanceTotal.WithLabelValues("failure").Inc()
				}
				return nil // a single domain's failure must not cancel the others
			}
			if err := r.Store.Store(gctx, domain, bundle); err != nil {
				failedCh <- struct {
					domain string
					err    error
				}{domain, err}
				logger.Error("storing issued certificate failed", zap.String("domain", domain), zap.Error(err))
				if r.Metrics != nil {
					r.Metrics.IssuanceTotal.WithLabelValues("failure").Inc()
				}
				return nil
			}
			if r.Metrics != nil {
				r.Metrics.IssuanceTotal.WithLabelValues("success").Inc()
			}
			issuedCh <- domain
			return nil
		})
	}
	_ = g.Wait()
	close(issuedCh)
	close(failedCh)

	for domain := range issuedCh {
		result.Issued = append(result.Issued, domain)
	}
	for f := range failedCh {
		result.Failed[f.domain] = f.err
	}
	sort.Strings(result.Issued)

	if len(result.Issued) > 0 {
		if _, err := r.LB.SignalUSR1(ctx); err != nil {
			logger.Error("signalling marathon-lb after certificate issuance failed", zap.Error(err))
			if r.Metrics != nil {
				r.Metrics.LBSignalsTotal.WithLabelValues("failure").Inc()
			}
			return result, fmt.Errorf("reconcile: signalling marathon-lb: %w", err)
		}
		if r.Metrics != nil {
			r.Metrics.LBSignalsTotal.WithLabelValues("success").Inc()
		}
		result.Signalled = true
	}

	return result, nil
}

// appDomains computes the ordered list of domains this app wants,
// honoring the port-group policy and the "first domain wins" multi-SAN
// rule from the domain label parsing contract. By default (AllowMultipleCerts
// false) only the first matching port's domain is used, for parity with
// the original single-cert-per-app behavior; with AllowMultipleCerts set,
// every matching port may request its own domain/certificate.
func (r *Reconciler) appDomains(app marathonclient.App, logger *zap.Logger) []string {
	var domains []string
	for i := range app.PortDefinitions {
		group := app.Labels[defaultHAProxyGroup]
		if override, ok := app.Labels[haproxyGroupPrefix+strconv.Itoa(i)+haproxyGroupSuffix]; ok {
			group = override
		}
		if group != r.Group {
			continue
		}

		raw, ok := app.Labels[domainLabelPrefix+strconv.Itoa(i)+domainLabelSuffix]
		if !ok {
			continue
		}
		var portDomains []string
		for _, d := range strings.Split(raw, ",") {
			d = strings.TrimSpace(d)
			if d == "" {
				continue
			}
			portDomains = append(portDomains, strings.ToLower(d))
		}
		if len(portDomains) == 0 {
			continue
		}
		if len(portDomains) > 1 {
			logger.Warn("app requests multiple domains on one port, SAN is not supported; using the first",
				zap.String("app_id", app.ID), zap.Int("port_index", i), zap.Strings("domains", portDomains))
		}
		domains = append(domains, portDomains[0])
		if !r.AllowMultipleCerts {
			break
		}
	}
	return domains
}

func (r *Reconciler) logger() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
