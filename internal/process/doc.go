// Package process supervises the protocol bridge daemon as a child process.
//
// The bridge owns the device sockets; the core talks to it over MQTT. When
// the daemon is installed next to the core, the Supervisor starts it,
// forwards its output to the log, restarts it with exponential backoff when
// it exits, and kills it when its health record goes stale.
//
//	sup := process.NewSupervisor(process.Config{
//	    Name:   "tuya-bridge",
//	    Binary: "/usr/local/bin/tuya-bridge",
//	    Args:   []string{"--mqtt", "tcp://localhost:1883"},
//	})
//	if err := sup.Start(ctx); err != nil {
//	    return err
//	}
//	defer sup.Stop()
package process
