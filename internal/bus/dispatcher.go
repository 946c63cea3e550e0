package bus

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"evcentral/internal/metrics"
	"evcentral/internal/secure"
	"evcentral/internal/service"
	"evcentral/internal/wire"
)

// Dispatcher subscribes the three topics and routes every message by its
// type and cmd tags. Nothing a remote peer sends can make it fail: unknown
// tags, echoes and decrypt failures are logged and dropped.
type Dispatcher struct {
	log     *zap.Logger
	bus     Bus
	orch    *service.Orchestrator
	channel *secure.Channel
	metrics *metrics.Metrics
	topics  service.Topics
}

func NewDispatcher(log *zap.Logger, b Bus, orch *service.Orchestrator, channel *secure.Channel, m *metrics.Metrics, topics service.Topics) *Dispatcher {
	return &Dispatcher{log: log, bus: b, orch: orch, channel: channel, metrics: m, topics: topics}
}

// Start subscribes the commands, sessions and telemetry topics.
func (d *Dispatcher) Start(ctx context.Context) error {
	for _, topic := range []string{d.topics.Commands, d.topics.Sessions, d.topics.Telemetry} {
		if err := d.bus.Subscribe(ctx, topic, d.Handle); err != nil {
			return err
		}
	}
	return nil
}

// Handle routes one raw bus message.
func (d *Dispatcher) Handle(ctx context.Context, topic string, payload []byte) {
	msg, err := wire.DecodeBusMessage(payload)
	if err != nil {
		var unknown *wire.ErrUnknownType
		cause := "malformed"
		if errors.As(err, &unknown) {
			cause = "unknown_type"
		}
		d.drop(cause, topic, err)
		return
	}
	d.route(ctx, topic, msg)
}

func (d *Dispatcher) route(ctx context.Context, topic string, msg interface{}) {
	switch m := msg.(type) {
	case *wire.Envelope:
		plain, err := d.channel.Open(m)
		if err != nil {
			d.drop("decrypt", topic, err)
			return
		}
		inner, err := wire.DecodeBusMessage(plain)
		if err != nil {
			d.drop("malformed", topic, err)
			return
		}
		d.route(ctx, topic, inner)

	case *wire.Command:
		if m.Src == wire.SrcCentral {
			return
		}
		d.handleCommand(ctx, m)

	case *wire.SessionEvent:
		if m.Src == wire.SrcCentral {
			return
		}
		d.orch.HandleEngineEvent(ctx, m)

	case *wire.Telemetry:
		if m.Src == wire.SrcCentral {
			return
		}
		d.orch.HandleTelemetry(ctx, m)

	case *wire.Weather:
		if err := d.orch.ApplyWeather(ctx, m.CP, m.TempC, m.Alert); err != nil {
			d.log.Debug("weather sample for unknown cp dropped", zap.String("cp", m.CP))
		}

	case *wire.AuthReply:
		// Central is the only writer of AUTH replies.

	default:
		d.drop("unhandled", topic, nil)
	}
}

func (d *Dispatcher) handleCommand(ctx context.Context, cmd *wire.Command) {
	switch cmd.Cmd {
	case wire.CmdReqStart:
		d.orch.Authorize(ctx, cmd.Driver, cmd.CP)
	case wire.CmdStopSupply:
		if err := d.orch.RequestStop(ctx, cmd.CP, "driver"); err != nil {
			d.log.Debug("stop request not applicable", zap.String("cp", cmd.CP), zap.Error(err))
		}
	case wire.CmdPause:
		d.orch.RelaySupply(ctx, cmd.CP, wire.CmdPauseSupply)
	case wire.CmdResume:
		d.orch.RelaySupply(ctx, cmd.CP, wire.CmdResumeSupply)
	case wire.CmdStartSupply, wire.CmdPauseSupply, wire.CmdResumeSupply:
		// Engine-bound verbs; nothing for Central to do.
	default:
		d.drop("unknown_cmd", d.topics.Commands, nil)
	}
}

func (d *Dispatcher) drop(cause, topic string, err error) {
	d.log.Warn("bus message dropped",
		zap.String("cause", cause),
		zap.String("topic", topic),
		zap.Error(err))
	if d.metrics != nil {
		d.metrics.BusMessagesDropped.WithLabelValues(cause).Inc()
	}
}
