// Package notify carries device status and notifications out of the core
// and device commands in.
//
// The session layer calls its handlers synchronously, so a Dispatcher sits
// between the EventBridge and the sinks: it queues every status broadcast
// and event and delivers them in order on its own goroutine.
//
//	EventBridge ──► Dispatcher ──┬──► MQTTSink     tuyalocal/core/event/{type}
//	                             │                 tuyalocal/core/device/{id}/state (retained)
//	                             ├──► NATSSink     tuyalocal.event.{type}.{device_id}
//	                             ├──► InfluxSink   device_metrics, device_availability
//	                             └──► HistorySink  state_history table
//
// CommandHandler subscribes to tuyalocal/command/+ and turns {"dps": {...}}
// payloads into writes, acknowledging each one on tuyalocal/ack/{device_id}.
// HealthReporter publishes the retained tuyalocal/health/core record.
//
// Example:
//
//	d := notify.NewDispatcher(notify.DispatcherConfig{},
//	    notify.NewMQTTSink(mqttClient, mqttClient.QoS()),
//	    notify.NewHistorySink(historyRepo))
//	registry.Events().AddNotifier(d)
//	registry.Events().AddStatusSink(d)
//	d.Start(ctx)
//	defer d.Stop()
package notify
