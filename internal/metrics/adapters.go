package metrics

import "time"

// Adapter methods satisfying the device and conductor metric sinks.

func (c *Collector) TelemetrySentInc()    { c.TelemetrySent.Inc() }
func (c *Collector) TelemetrySendErrInc() { c.TelemetrySendErrs.Inc() }
func (c *Collector) IngestReconnectInc()  { c.IngestReconnects.Inc() }

func (c *Collector) IngestConnectedSet(connected bool) {
	if connected {
		c.IngestConnections.Inc()
	} else {
		c.IngestConnections.Dec()
	}
}

func (c *Collector) SendObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }

func (c *Collector) BoardingsAdd(n int)  { c.Boardings.Add(float64(n)) }
func (c *Collector) AlightingsAdd(n int) { c.Alightings.Add(float64(n)) }
func (c *Collector) StopRequestedInc()   { c.StopsRequested.Inc() }

func (c *Collector) DepartSignaledInc(reason string) {
	c.DepartsSignaled.WithLabelValues(reason).Inc()
}
