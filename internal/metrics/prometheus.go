package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Collectors exist from package init so code can record before registration.
var (
	RemoteRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "restodb_remote_requests_total",
		Help: "Total number of calls to the remote file store, by operation and outcome.",
	}, []string{"op", "outcome"})
	RemoteRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "restodb_remote_retries_total",
		Help: "Total number of retried remote calls.",
	})
	ConflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "restodb_conflicts_total",
		Help: "Total number of stale-revision write conflicts, by collection.",
	}, []string{"collection"})
	CacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "restodb_cache_lookups_total",
		Help: "Total number of collection snapshot lookups, by result (hit, miss).",
	}, []string{"result"})
	LoginsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "restodb_logins_total",
		Help: "Total number of login attempts, by outcome.",
	}, []string{"outcome"})
	UsersRegisteredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "restodb_users_registered_total",
		Help: "Total number of users registered.",
	})
	OTPChallengesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "restodb_otp_challenges_total",
		Help: "Total number of one-time code events, by purpose and outcome.",
	}, []string{"purpose", "outcome"})
	ActiveSessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "restodb_active_sessions",
		Help: "Current number of live sessions in this process.",
	})
)

// Register adds every collector to reg. Already-registered collectors are
// logged and skipped.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		log.Error().Msg("Prometheus registry is nil, cannot register metrics.")
		return
	}

	collectors := map[string]prometheus.Collector{
		"RemoteRequestsTotal":  RemoteRequestsTotal,
		"RemoteRetriesTotal":   RemoteRetriesTotal,
		"ConflictsTotal":       ConflictsTotal,
		"CacheLookupsTotal":    CacheLookupsTotal,
		"LoginsTotal":          LoginsTotal,
		"UsersRegisteredTotal": UsersRegisteredTotal,
		"OTPChallengesTotal":   OTPChallengesTotal,
		"ActiveSessionsGauge":  ActiveSessionsGauge,
	}
	for name, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to register metric")
		}
	}
	log.Debug().Msg("restodb Prometheus metrics registered.")
}
