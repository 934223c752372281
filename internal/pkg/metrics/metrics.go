package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EconomyMetrics 额度/积分/配额相关指标
type EconomyMetrics struct {
	creditsConsumed prometheus.Counter
	creditsGranted  *prometheus.CounterVec
	checkIns        prometheus.Counter
	checkInPoints   prometheus.Counter
	exchanges       *prometheus.CounterVec
	quotaDecisions  *prometheus.CounterVec
	referralRewards prometheus.Counter
	vipExtensions   prometheus.Counter
	vipExpired      prometheus.Counter
}

var (
	economyOnce    sync.Once
	economyMetrics *EconomyMetrics
)

// Economy 返回全局指标单例，注册到默认 registry
func Economy() *EconomyMetrics {
	economyOnce.Do(func() {
		economyMetrics = New(prometheus.DefaultRegisterer)
	})
	return economyMetrics
}

// New 在指定 registerer 上注册一组指标
func New(registerer prometheus.Registerer) *EconomyMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &EconomyMetrics{
		creditsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wallet_credits_consumed_total",
			Help: "Credit units consumed.",
		}),
		creditsGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_credits_granted_total",
			Help: "Credit units granted, by reason.",
		}, []string{"reason"}),
		checkIns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wallet_check_ins_total",
			Help: "Successful daily check-ins.",
		}),
		checkInPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wallet_check_in_points_total",
			Help: "Points awarded by daily check-ins.",
		}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_point_exchanges_total",
			Help: "Points-to-credits exchange attempts, by outcome.",
		}, []string{"outcome"}),
		quotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_quota_decisions_total",
			Help: "Generation quota decisions, by tier and outcome.",
		}, []string{"tier", "outcome"}),
		referralRewards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wallet_referral_rewards_total",
			Help: "Referral relationships rewarded.",
		}),
		vipExtensions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wallet_vip_extensions_total",
			Help: "VIP expiry extensions applied.",
		}),
		vipExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wallet_vip_expired_total",
			Help: "VIP rows cleared by the expiry sweeper.",
		}),
	}

	registerer.MustRegister(
		m.creditsConsumed,
		m.creditsGranted,
		m.checkIns,
		m.checkInPoints,
		m.exchanges,
		m.quotaDecisions,
		m.referralRewards,
		m.vipExtensions,
		m.vipExpired,
	)
	return m
}

func (m *EconomyMetrics) CreditsConsumed(units int64) {
	if m == nil {
		return
	}
	m.creditsConsumed.Add(float64(units))
}

func (m *EconomyMetrics) CreditsGranted(reason string, units int64) {
	if m == nil {
		return
	}
	m.creditsGranted.WithLabelValues(reason).Add(float64(units))
}

func (m *EconomyMetrics) CheckIn(points int64) {
	if m == nil {
		return
	}
	m.checkIns.Inc()
	m.checkInPoints.Add(float64(points))
}

func (m *EconomyMetrics) Exchange(outcome string) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(outcome).Inc()
}

func (m *EconomyMetrics) QuotaDecision(tier string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.quotaDecisions.WithLabelValues(tier, outcome).Inc()
}

func (m *EconomyMetrics) ReferralRewarded() {
	if m == nil {
		return
	}
	m.referralRewards.Inc()
}

func (m *EconomyMetrics) VipExtended() {
	if m == nil {
		return
	}
	m.vipExtensions.Inc()
}

func (m *EconomyMetrics) VipExpired(n int64) {
	if m == nil {
		return
	}
	m.vipExpired.Add(float64(n))
}
