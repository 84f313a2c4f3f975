package app

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_pokify._tcp"
	mdnsDomain      = "local."
	maxInstanceLen  = 63
)

var instanceReplacer = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ")

// advertise registers the webhook port on the local network and returns the
// function withdrawing the record.
func (a *App) advertise() (func(), error) {
	if a.cfg.HTTPPort <= 0 {
		return nil, fmt.Errorf("advertise: invalid port %d", a.cfg.HTTPPort)
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "pokify"
	}
	instance := sanitizeMDNSInstance(a.cfg.MDNSInstance + " (" + host + ")")

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, a.cfg.HTTPPort, a.txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("advertise: %w", err)
	}
	a.logger.Info("advertising on mDNS", "instance", instance, "port", a.cfg.HTTPPort)
	return func() {
		server.Shutdown()
		a.logger.Info("mDNS record withdrawn", "instance", instance)
	}, nil
}

// txtRecords carries the MQTT ingress port and the running version.
func (a *App) txtRecords() []string {
	txt := []string{fmt.Sprintf("http_port=%d", a.cfg.HTTPPort), "webhook=/webhook", "proto=v1"}
	if a.broker != nil {
		if tcp, ok := a.broker.Addr().(*net.TCPAddr); ok {
			txt = append(txt, fmt.Sprintf("mqtt_port=%d", tcp.Port))
		}
	}
	if a.version != "" {
		txt = append(txt, "version="+a.version)
	}
	return txt
}

func sanitizeMDNSInstance(name string) string {
	cleaned := instanceReplacer.Replace(strings.TrimSpace(name))
	if cleaned == "" {
		return "pokify"
	}
	if r := []rune(cleaned); len(r) > maxInstanceLen {
		cleaned = string(r[:maxInstanceLen])
	}
	return cleaned
}
