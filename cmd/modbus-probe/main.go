// Command modbus-probe looks for Modbus units on serial ports and network
// endpoints and logs every unit that answers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"
	bugst "go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/venus-modbus/modbusclient"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()
	adapter := &debugAdapter{logger.Sugar()}

	ports := cfg.Ports
	if len(ports) == 0 && len(cfg.Endpoints) == 0 {
		listed, err := bugst.GetPortsList()
		if err != nil {
			return fmt.Errorf("failed to list serial ports: %w", err)
		}
		ports = filterPorts(listed, cfg.PortFilter)
		logger.Info("found serial ports", zap.Strings("ports", ports))
	}

	candidates, err := buildCandidates(cfg, ports)
	if err != nil {
		return err
	}
	access, err := modbusclient.ParseAccess(cfg.Probe.Access)
	if err != nil {
		return err
	}

	registry := modbusclient.NewSerialPortRegistry()
	registry.Logger = adapter
	factory := modbusclient.NewFactory(registry)
	factory.Logger = adapter
	factory.TCPIdleTimeout = cfg.TCPIdleTimeout

	scanner := &modbusclient.Scanner{
		Factory: factory,
		Probe: modbusclient.Probe{
			Access:   access,
			Address:  uint16(cfg.Probe.Address),
			Quantity: uint16(cfg.Probe.Quantity),
		},
		Logger: adapter,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("scan started", zap.Int("candidates", len(candidates)))
	found, err := scanner.Scan(ctx, candidates)
	for _, f := range found {
		fields := []zap.Field{
			zap.Stringer("endpoint", f.Endpoint),
			zap.Uint8("unit", f.Unit),
		}
		if f.Exception != 0 {
			fields = append(fields, zap.Uint8("exception", f.Exception))
		} else {
			fields = append(fields, zap.Uint16s("registers", f.Registers))
		}
		logger.Info("unit found", fields...)
	}
	logger.Info("scan finished", zap.Int("found", len(found)))
	return err
}

// filterPorts keeps the ports whose base name matches pattern.
func filterPorts(ports []string, pattern string) []string {
	if pattern == "" {
		return ports
	}
	var matched []string
	for _, p := range ports {
		if ok, _ := filepath.Match(pattern, filepath.Base(p)); ok {
			matched = append(matched, p)
		}
	}
	return matched
}

// buildCandidates crosses every serial port with every method and baud
// rate, then appends the network endpoints.
func buildCandidates(cfg *config, ports []string) ([]modbusclient.Candidate, error) {
	units := make([]byte, len(cfg.Units))
	for i, u := range cfg.Units {
		units[i] = byte(u)
	}

	var candidates []modbusclient.Candidate
	for _, port := range ports {
		for _, name := range cfg.Methods {
			method, err := modbusclient.ParseMethod(name)
			if err != nil {
				return nil, err
			}
			if !method.IsSerial() {
				return nil, fmt.Errorf("method %v is not a serial method, use an endpoint", method)
			}
			for _, baud := range cfg.BaudRates {
				candidates = append(candidates, modbusclient.Candidate{
					Endpoint: modbusclient.Endpoint{
						Method:   method,
						Address:  port,
						BaudRate: baud,
						DataBits: cfg.DataBits,
						StopBits: cfg.StopBits,
						Parity:   cfg.Parity,
						Timeout:  cfg.Timeout,
					},
					Units: units,
				})
			}
		}
	}

	for _, s := range cfg.Endpoints {
		e, err := modbusclient.ParseEndpoint(s)
		if err != nil {
			return nil, err
		}
		if e.Timeout == 0 {
			e.Timeout = cfg.Timeout
		}
		candidates = append(candidates, modbusclient.Candidate{Endpoint: e, Units: units})
	}
	return candidates, nil
}
