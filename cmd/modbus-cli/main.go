package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/straticus1/aeimsLib-sub001/modbus"
	"github.com/straticus1/aeimsLib-sub001/protocol"
	"github.com/straticus1/aeimsLib-sub001/transport"
)

func main() {
	fs := newFlagSet()
	if len(os.Args) == 1 {
		fs.PrintDefaults()
		return
	}
	if err := run(fs, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(-1)
	}
}

func run(fs *pflag.FlagSet, args []string, out io.Writer) error {
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reg := protocol.NewRegistry(logger)
	defer reg.Close()

	id, connect, opts, err := target(cfg, logger)
	if err != nil {
		return err
	}
	if err := modbus.Register(reg, opts); err != nil {
		return err
	}
	handler, err := reg.CreateHandler(id)
	if err != nil {
		return err
	}
	if err := handler.Connect(ctx, connect); err != nil {
		return err
	}
	defer handler.Disconnect(context.Background()) //nolint:errcheck

	client := modbus.NewClient(handler, byte(cfg.unitID))
	res, err := execute(ctx, client, cfg)
	if err != nil {
		return err
	}

	text, err := format(res, cfg)
	if err != nil {
		return err
	}
	fmt.Fprint(out, text)

	if cfg.filename != "" {
		if err := os.WriteFile(cfg.filename, []byte(text), 0o644); err != nil {
			return err
		}
		logger.Info("Result written", zap.String("filename", cfg.filename))
	}
	return nil
}

// target picks the registered protocol and the transport for the address
// scheme.
func target(cfg *config, logger *zap.Logger) (string, protocol.ConnectOptions, modbus.Options, error) {
	opts := modbus.Options{
		Logger: logger,
		RTU: modbus.RTUConfig{
			Timeout:  cfg.timeout,
			Retries:  cfg.retries,
			BaudRate: cfg.rtu.baudrate,
		},
		TCP: modbus.TCPConfig{
			Timeout:           cfg.timeout,
			Retries:           cfg.retries,
			MaxTransactions:   cfg.tcp.maxTransactions,
			KeepAliveInterval: cfg.tcp.keepAlive,
			UnitID:            byte(cfg.unitID),
		},
	}
	connect := protocol.ConnectOptions{Timeout: cfg.timeout}

	u, err := url.Parse(cfg.address)
	if err != nil {
		return "", connect, opts, err
	}
	switch u.Scheme {
	case "rtu":
		connect.Address = u.Path
		connect.Params = map[string]any{
			"baud_rate": cfg.rtu.baudrate,
			"data_bits": cfg.rtu.dataBits,
			"parity":    cfg.rtu.parity,
			"stop_bits": cfg.rtu.stopBits,
			"backend":   cfg.rtu.backend,
			"rs485":     cfg.rtu.rs485,
		}
		return modbus.ProtocolRTU, connect, opts, nil
	case "tcp":
		connect.Address = u.Host
		return modbus.ProtocolTCP, connect, opts, nil
	case "rtutcp":
		connect.Address = u.Host
		d := transport.NewTCPDialer(u.Host)
		d.Logger = logger
		opts.RTU.Dialer = d
		return modbus.ProtocolRTU, connect, opts, nil
	case "udp":
		connect.Address = u.Host
		opts.RTU.Dialer = &transport.UDPDialer{Address: u.Host, Logger: logger}
		return modbus.ProtocolRTU, connect, opts, nil
	case "ws", "wss":
		connect.Address = u.String()
		opts.RTU.Dialer = &transport.WebSocketDialer{URL: u.String(), HandshakeTimeout: cfg.timeout, Logger: logger}
		return modbus.ProtocolRTU, connect, opts, nil
	}
	return "", connect, opts, fmt.Errorf("unsupported scheme: %s", u.Scheme)
}

type result struct {
	bits      []bool
	registers []uint16
	written   bool
}

func execute(ctx context.Context, client modbus.Client, cfg *config) (*result, error) {
	address := uint16(cfg.register)
	quantity := uint16(cfg.quantity)

	switch cfg.fnCode {
	case modbus.FuncCodeReadCoils:
		bits, err := client.ReadCoils(ctx, address, quantity)
		return &result{bits: bits}, err
	case modbus.FuncCodeReadDiscreteInputs:
		bits, err := client.ReadDiscreteInputs(ctx, address, quantity)
		return &result{bits: bits}, err
	case modbus.FuncCodeReadHoldingRegisters:
		regs, err := client.ReadHoldingRegisters(ctx, address, quantity)
		return &result{registers: regs}, err
	case modbus.FuncCodeReadInputRegisters:
		regs, err := client.ReadInputRegisters(ctx, address, quantity)
		return &result{registers: regs}, err
	case modbus.FuncCodeWriteSingleCoil:
		val, err := decimal.NewFromString(cfg.writeValue)
		if err != nil {
			return nil, fmt.Errorf("invalid write value: %w", err)
		}
		return &result{written: true}, client.WriteSingleCoil(ctx, address, val.IsPositive())
	case modbus.FuncCodeWriteSingleRegister, modbus.FuncCodeWriteMultipleRegisters:
		regs, err := writeRegisters(cfg)
		if err != nil {
			return nil, err
		}
		if cfg.fnCode == modbus.FuncCodeWriteSingleRegister {
			if len(regs) != 1 {
				return nil, fmt.Errorf("%s needs %d registers, use function code 0x10", cfg.execType, len(regs))
			}
			return &result{written: true}, client.WriteSingleRegister(ctx, address, regs[0])
		}
		return &result{written: true}, client.WriteMultipleRegisters(ctx, address, regs)
	case modbus.FuncCodeReadExceptionStatus:
		status, err := client.ReadExceptionStatus(ctx)
		return &result{registers: []uint16{uint16(status)}}, err
	}
	return nil, fmt.Errorf("function code %d is unsupported", cfg.fnCode)
}

func writeRegisters(cfg *config) ([]uint16, error) {
	val, err := decimal.NewFromString(cfg.writeValue)
	if err != nil {
		return nil, fmt.Errorf("invalid write value: %w", err)
	}
	scale, err := decimal.NewFromString(cfg.scale)
	if err != nil {
		return nil, fmt.Errorf("invalid scale: %w", err)
	}
	order, swap, err := byteOrder(cfg.execOrder, cfg.execBig)
	if err != nil {
		return nil, err
	}
	return encodeValue(cfg.execType, order, swap, val, scale)
}

func format(res *result, cfg *config) (string, error) {
	switch {
	case res.written:
		return "ok\n", nil
	case res.bits != nil:
		return bitsString(res.bits, cfg.register), nil
	}

	scale, err := decimal.NewFromString(cfg.scale)
	if err != nil {
		return "", fmt.Errorf("invalid scale: %w", err)
	}
	switch strings.ToLower(cfg.parseType) {
	case "raw":
		return rawString(res.registers, cfg.register), nil
	case "all":
		return allString(registersToBytes(res.registers), scale)
	}
	order, swap, err := byteOrder(cfg.parseOrder, cfg.parseBig)
	if err != nil {
		return "", err
	}
	s, err := decodeValue(registersToBytes(res.registers), cfg.parseType, order, swap, scale)
	if err != nil {
		return "", err
	}
	return s + "\n", nil
}
