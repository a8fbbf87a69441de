package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type config struct {
	address string
	unitID  int
	timeout time.Duration
	retries int

	register   int
	fnCode     int
	quantity   int
	writeValue string
	execType   string
	parseType  string
	parseOrder string
	execOrder  string
	parseBig   bool
	execBig    bool
	scale      string
	filename   string

	log logConfig

	rtu struct {
		baudrate int
		dataBits int
		parity   string
		stopBits int
		backend  string
		rs485    bool
	}

	tcp struct {
		maxTransactions int
		keepAlive       time.Duration
	}
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("modbus-cli", pflag.ContinueOnError)
	fs.String("config", "", "config file (yaml, toml or json), keys are the flag names")
	// general
	fs.String("address", "tcp://127.0.0.1:502", "Example: tcp://127.0.0.1:502, rtu:///dev/ttyUSB0, rtutcp://gw:4001, udp://gw:4001, ws://gw/serial")
	fs.Int("unit-id", 1, "Is used for intra-system routing purpose, typically for serial connections, TCP default 0xFF")
	fs.Duration("timeout", 2*time.Second, "Response timeout")
	fs.Int("retries", 2, "Retransmissions after a response timeout")
	// request
	fs.Int("register", -1, "first register or coil")
	fs.Int("fn-code", 0x03, "function code")
	fs.Int("quantity", 2, "register or coil quantity")
	fs.String("write-value", "", "value to write, in engineering units when -scale is set")
	fs.String("type-exec", "uint16", "datatype of the written value: uint16, int16, uint32, int32, float32, float64")
	fs.String("type-parse", "raw", "type to parse the register result. Use 'raw' if you want to see the raw bits and bytes. Use 'all' if you want to decode the result to different commonly used formats.")
	fs.String("read-parse-order", "", "order to parse the register that was read out. Valid values: [AB, BA, ABCD, DCBA, BADC, CDAB]. If used, it will overwrite the big-endian or little-endian parameter.")
	fs.String("write-exec-order", "", "order to execute the register(s) that should be written to. Valid values: [AB, BA, ABCD, DCBA, BADC, CDAB]. If used, it will overwrite the big-endian or little-endian parameter.")
	fs.Bool("order-parse-bigendian", true, "t: big, f: little")
	fs.Bool("order-exec-bigendian", true, "t: big, f: little")
	fs.String("scale", "1", "factor between the raw value and engineering units")
	fs.String("filename", "", "write the result to this file")
	// logging
	fs.String("log-level", "info", "debug, info, warn or error; debug prints every frame")
	fs.String("log-format", "console", "console or json")
	fs.String("log-file", "", "log to this file, rotated, instead of stderr")
	// rtu
	fs.Int("rtu-baudrate", 19200, "Symbol rate, e.g.: 300, 600, 1200, 2400, 4800, 9600, 19200, 38400")
	fs.Int("rtu-databits", 8, "5, 6, 7 or 8")
	fs.String("rtu-parity", "E", "Parity: N - None, E - Even, O - Odd")
	fs.Int("rtu-stopbits", 1, "1 or 2")
	fs.String("rtu-backend", "gridx", "serial driver: gridx or bugst")
	fs.Bool("rs485-enable", false, "enables rs485 cfg")
	// tcp
	fs.Int("tcp-max-transactions", 16, "outstanding transactions")
	fs.Duration("tcp-keep-alive", 0, "idle time before a keep-alive request, 0 disables it")
	return fs
}

// loadConfig merges, from lowest to highest precedence, flag defaults, the
// config file, MODBUS_* environment variables and flags given on the
// command line.
func loadConfig(fs *pflag.FlagSet, args []string) (*config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetEnvPrefix("MODBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("could not read config: %w", err)
		}
	}

	cfg := &config{
		address:    v.GetString("address"),
		unitID:     v.GetInt("unit-id"),
		timeout:    v.GetDuration("timeout"),
		retries:    v.GetInt("retries"),
		register:   v.GetInt("register"),
		fnCode:     v.GetInt("fn-code"),
		quantity:   v.GetInt("quantity"),
		writeValue: v.GetString("write-value"),
		execType:   v.GetString("type-exec"),
		parseType:  v.GetString("type-parse"),
		parseOrder: v.GetString("read-parse-order"),
		execOrder:  v.GetString("write-exec-order"),
		parseBig:   v.GetBool("order-parse-bigendian"),
		execBig:    v.GetBool("order-exec-bigendian"),
		scale:      v.GetString("scale"),
		filename:   v.GetString("filename"),
		log: logConfig{
			level:  v.GetString("log-level"),
			format: v.GetString("log-format"),
			file:   v.GetString("log-file"),
		},
	}
	cfg.rtu.baudrate = v.GetInt("rtu-baudrate")
	cfg.rtu.dataBits = v.GetInt("rtu-databits")
	cfg.rtu.parity = v.GetString("rtu-parity")
	cfg.rtu.stopBits = v.GetInt("rtu-stopbits")
	cfg.rtu.backend = v.GetString("rtu-backend")
	cfg.rtu.rs485 = v.GetBool("rs485-enable")
	cfg.tcp.maxTransactions = v.GetInt("tcp-max-transactions")
	cfg.tcp.keepAlive = v.GetDuration("tcp-keep-alive")

	if cfg.register < 0 || cfg.register > 0xFFFF {
		return nil, fmt.Errorf("invalid register value: %d", cfg.register)
	}
	if cfg.unitID < 0 || cfg.unitID > 0xFF {
		return nil, fmt.Errorf("invalid unit id: %d", cfg.unitID)
	}
	return cfg, nil
}
