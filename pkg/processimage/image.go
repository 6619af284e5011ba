package processimage

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/simonvetter/modbus"

	"github.com/raterudder/gridgateway/pkg/log"
	"github.com/raterudder/gridgateway/pkg/registers"
	"github.com/raterudder/gridgateway/pkg/telemetry"
	"github.com/raterudder/gridgateway/pkg/types"
)

// UnitID is the only unit identifier the gateway answers to.
const UnitID uint8 = 1

// ProcessImage is the register space the utility sees. Input registers are
// computed from telemetry on every read; holding registers are backed by the
// holding register file.
type ProcessImage struct {
	regMap  *registers.Map
	holding *registers.HoldingRegisterFile
	source  telemetry.Source
	ctx     context.Context
}

var _ modbus.RequestHandler = (*ProcessImage)(nil)

// New creates a ProcessImage.
func New(regMap *registers.Map, holding *registers.HoldingRegisterFile, source telemetry.Source) *ProcessImage {
	return &ProcessImage{
		regMap:  regMap,
		holding: holding,
		source:  source,
		ctx:     log.Component(context.Background(), "processimage"),
	}
}

// Holding returns the holding register file behind the image.
func (p *ProcessImage) Holding() *registers.HoldingRegisterFile {
	return p.holding
}

func checkUnit(unitID uint8) error {
	if unitID != UnitID {
		return modbus.ErrGWTargetFailedToRespond
	}
	return nil
}

// HandleCoils answers with zeros. The gateway has no coils.
func (p *ProcessImage) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	if err := checkUnit(req.UnitId); err != nil {
		return nil, err
	}
	if req.IsWrite {
		return nil, nil
	}
	return make([]bool, req.Quantity), nil
}

// HandleDiscreteInputs answers with zeros. The gateway has no discrete inputs.
func (p *ProcessImage) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	if err := checkUnit(req.UnitId); err != nil {
		return nil, err
	}
	return make([]bool, req.Quantity), nil
}

// HandleHoldingRegisters reads or writes the holding register file.
func (p *ProcessImage) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	if err := checkUnit(req.UnitId); err != nil {
		return nil, err
	}
	ctx := log.WithAttrs(
		p.ctx,
		slog.String("client", req.ClientAddr),
		slog.Int("address", int(req.Addr)),
		slog.Int("quantity", int(req.Quantity)),
	)
	if req.IsWrite {
		if err := p.holding.Write(int(req.Addr), req.Args); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "rejected holding register write", slog.Any("error", err))
			return nil, holdingError(err)
		}
		log.Ctx(ctx).DebugContext(ctx, "holding registers written", slog.Any("values", req.Args))
		return nil, nil
	}
	values, err := p.holding.Read(int(req.Addr), int(req.Quantity))
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "rejected holding register read", slog.Any("error", err))
		return nil, holdingError(err)
	}
	return values, nil
}

func holdingError(err error) error {
	if errors.Is(err, registers.ErrAddressRange) {
		return modbus.ErrIllegalDataAddress
	}
	return modbus.ErrServerDeviceFailure
}

// HandleInputRegisters computes the requested input registers from
// telemetry. Unmapped addresses and unavailable signals read as zero.
func (p *ProcessImage) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	if err := checkUnit(req.UnitId); err != nil {
		return nil, err
	}
	res := make([]uint16, req.Quantity)
	// each signal is fetched once even when both of its words are requested
	words := make(map[uint16][2]uint16)
	for i := range res {
		addr := int(req.Addr) + i
		if addr > 0xFFFF {
			break
		}
		m, ok := p.regMap.Lookup(uint16(addr))
		if !ok {
			continue
		}
		w, ok := words[m.BaseAddress]
		if !ok {
			w = p.encode(m)
			words[m.BaseAddress] = w
		}
		if uint16(addr) == m.BaseAddress {
			res[i] = w[0]
		} else {
			res[i] = w[1]
		}
	}
	return res, nil
}

func (p *ProcessImage) encode(m types.RegisterMapping) [2]uint16 {
	v, err := p.source.Value(p.ctx, m.SignalRef)
	if err != nil {
		log.Ctx(p.ctx).DebugContext(
			p.ctx,
			"signal unavailable",
			slog.String("signal", m.SignalRef),
			slog.Any("error", err),
		)
		return [2]uint16{}
	}
	hi, lo := registers.EncodeFloat32(float32(v * widen(m.ScaleFactor)))
	return [2]uint16{hi, lo}
}

// widen returns the float64 nearest to the shortest decimal form of f so a
// scale of 0.001 turns 1500 W into exactly 1.5 kW.
func widen(f float32) float64 {
	v, err := strconv.ParseFloat(strconv.FormatFloat(float64(f), 'g', -1, 32), 64)
	if err != nil {
		return float64(f)
	}
	return v
}
