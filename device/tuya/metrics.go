package tuya

import "github.com/prometheus/client_golang/prometheus"

var (
  framesReceivedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
    Name: "tuya_exporter_frames_received_total",
  }, []string{"command"})
  framesDroppedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
    Name: "tuya_exporter_frames_dropped_total",
  }, []string{"reason"})
  exchangeTimeoutsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
    Name: "tuya_exporter_exchange_timeouts_total",
  }, []string{"command"})
  handshakesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
    Name: "tuya_exporter_handshakes_total",
  }, []string{"state"})
  triggerUpdatesCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "tuya_exporter_trigger_updates_total",
  })
)

func RegisterMetrics(reg prometheus.Registerer) {
  reg.MustRegister(
    framesReceivedCounter,
    framesDroppedCounter,
    exchangeTimeoutsCounter,
    handshakesCounter,
    triggerUpdatesCounter,
  )
}
