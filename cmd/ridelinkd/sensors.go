package main

import (
	"errors"
	"fmt"

	"ridelink/internal/config"
	"ridelink/internal/link"
	"ridelink/internal/link/ble"
	"ridelink/internal/location"
	"ridelink/internal/logging"
	"ridelink/internal/metrics"
	"ridelink/internal/repository"
	"ridelink/internal/sensor"
	"ridelink/internal/sensor/direct"
	"ridelink/internal/sensor/healthbridge"
	"ridelink/internal/sensor/sensorproxy"
)

// sensorSet is the adapter of every configured kind plus the shared
// transports behind them.
type sensorSet struct {
	sources   repository.Sources
	locations location.Source

	bluetooth *ble.Transport
	broker    *healthbridge.Client
	proxy     *sensorproxy.DBusProxy
	direct    []*direct.Source
}

// Close disconnects direct links and releases the shared transports.
func (s *sensorSet) Close() {
	for _, d := range s.direct {
		d.Disconnect()
	}
	if s.proxy != nil {
		_ = s.proxy.Close()
	}
	if s.broker != nil {
		s.broker.Close()
	}
}

func (s *sensorSet) set(kind sensor.Kind, src sensor.Source) {
	switch kind {
	case sensor.HeartRate:
		s.sources.HeartRate = src
	case sensor.Glucose:
		s.sources.Glucose = src
	case sensor.Heading:
		s.sources.Heading = src
	}
}

func buildSensors(cfg *config.Config, anomalies sensor.AnomalySink, m *metrics.RideMetrics, logger *logging.Logger) (_ *sensorSet, err error) {
	s := &sensorSet{}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	for _, kind := range sensor.Kinds {
		sc := cfg.Sensor(kind)
		if !sc.Enabled() {
			continue
		}
		log := logger.WithComponent(sc.Transport).Logger

		var src sensor.Source
		switch sc.Transport {
		case config.TransportBLE:
			src, err = s.directSource(cfg, kind, sc, anomalies, m, logger)
		case config.TransportMQTT:
			var b *healthbridge.Client
			if b, err = s.brokerClient(cfg, logger); err == nil {
				src, err = healthbridge.NewSource(kind, healthbridge.Config{
					Broker:      b,
					TopicPrefix: cfg.MQTT.TopicPrefix,
					QoS:         byte(cfg.MQTT.QoS),
					Buffer:      sc.Buffer,
					Anomalies:   anomalies,
					Logger:      log,
					OnDropped:   m.RecordDropped,
				})
			}
		case config.TransportDBus:
			var p *sensorproxy.DBusProxy
			if p, err = s.dbusProxy(cfg); err == nil {
				src, err = sensorproxy.New(sensorproxy.Config{
					Proxy:     p,
					Buffer:    sc.Buffer,
					Anomalies: anomalies,
					Logger:    log,
				})
			}
		default:
			err = fmt.Errorf("unknown transport %q", sc.Transport)
		}
		if err != nil {
			return nil, fmt.Errorf("sensor %s: %w", kind, err)
		}
		s.set(kind, src)
		log.Info("sensor configured", "kind", string(kind), "transport", sc.Transport, "device", sc.DeviceID)
	}

	if cfg.Location.Transport == config.TransportMQTT {
		b, err := s.brokerClient(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("location: %w", err)
		}
		feed, err := healthbridge.NewLocationFeed(healthbridge.Config{
			Broker:      b,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
			Anomalies:   anomalies,
			Logger:      logger.WithComponent("location").Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("location: %w", err)
		}
		s.locations = feed
	}
	return s, nil
}

func (s *sensorSet) directSource(cfg *config.Config, kind sensor.Kind, sc config.SensorConfig, anomalies sensor.AnomalySink, m *metrics.RideMetrics, logger *logging.Logger) (sensor.Source, error) {
	if s.bluetooth == nil {
		s.bluetooth = ble.New(ble.Config{
			ScanTimeout: cfg.ScanTimeout(),
			Logger:      logger.WithComponent("ble").Logger,
		})
	}
	chars, err := direct.MeasurementCharacteristics(kind)
	if err != nil {
		return nil, err
	}
	machine := link.NewMachine(s.bluetooth, link.Config{
		Characteristics:  chars,
		HandshakeTimeout: cfg.HandshakeTimeout(),
		NotifyBuffer:     sc.Buffer,
		Logger:           logger.WithComponent("link").Logger.With("kind", string(kind)),
	})
	src, err := direct.New(direct.Config{
		Kind:      kind,
		DeviceID:  sc.DeviceID,
		Machine:   machine,
		Anomalies: anomalies,
		Logger:    logger.WithComponent("direct").Logger,
		OnDropped: m.RecordDropped,
	})
	if err != nil {
		return nil, err
	}
	s.direct = append(s.direct, src)
	return src, nil
}

func (s *sensorSet) brokerClient(cfg *config.Config, logger *logging.Logger) (*healthbridge.Client, error) {
	if s.broker != nil {
		return s.broker, nil
	}
	b, err := healthbridge.Dial(healthbridge.ClientConfig{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ConnectTimeout: cfg.BrokerConnectTimeout(),
		Logger:         logger.WithComponent("mqtt").Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("dial broker %s: %w", cfg.MQTT.Broker, err)
	}
	s.broker = b
	return b, nil
}

func (s *sensorSet) dbusProxy(cfg *config.Config) (*sensorproxy.DBusProxy, error) {
	if s.proxy != nil {
		return s.proxy, nil
	}
	p, err := sensorproxy.Connect(cfg.DBus.Bus)
	if err != nil {
		return nil, err
	}
	ok, err := p.HasCompass()
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	if !ok {
		_ = p.Close()
		return nil, errors.New("iio-sensor-proxy reports no compass")
	}
	s.proxy = p
	return p, nil
}
