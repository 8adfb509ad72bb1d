package metrics

// ObserveUnlock implements session.Metrics.
func (m *ServerMetrics) ObserveUnlock(result string, seconds float64) {
	m.unlockTotal.WithLabelValues(result).Inc()
	if seconds > 0 {
		m.unlockDuration.Observe(seconds)
	}
}

// SetSession implements session.Metrics.
func (m *ServerMetrics) SetSession(unlocked bool, assets int) {
	m.sessionState.Set(boolGauge(unlocked))
	m.sessionAssets.Set(float64(assets))
}

// SetContainer labels the container that is now unlocked, replacing any
// previous one.
func (m *ServerMetrics) SetContainer(source, version, sha256 string) {
	m.containerInfo.Reset()
	m.containerInfo.WithLabelValues(source, version, sha256).Set(1)
}

func (m *ServerMetrics) ObserveServed(bytes int) {
	m.servedTotal.Inc()
	m.servedBytes.Add(float64(bytes))
}

func (m *ServerMetrics) IncPassthrough(reason string) {
	m.passthroughTotal.WithLabelValues(reason).Inc()
}

// AddCachesDeleted, IncClientsClaimed and SetActivatedAt implement
// cachectl.Metrics.
func (m *ServerMetrics) AddCachesDeleted(n int) {
	m.cachesDeletedTotal.Add(float64(n))
}

func (m *ServerMetrics) IncClientsClaimed() {
	m.clientsClaimedTotal.Inc()
}

func (m *ServerMetrics) SetActivatedAt(unixSeconds float64) {
	m.activatedTimestamp.Set(unixSeconds)
}

func (m *ServerMetrics) IncControlMessage(transport, outcome string) {
	m.controlMessagesTotal.WithLabelValues(transport, outcome).Inc()
}

func (m *ServerMetrics) SetControlConnections(n int) {
	m.controlConnections.Set(float64(n))
}

func (m *ServerMetrics) IncWatcherPolls() {
	m.watcherPollsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherError(errType string) {
	m.watcherErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) SetWatcherLastSuccess(unixSeconds float64) {
	m.watcherLastSuccessTs.Set(unixSeconds)
}

func (m *ServerMetrics) SetContainerStale(stale bool) {
	m.containerStale.Set(boolGauge(stale))
}
