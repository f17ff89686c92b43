package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/outlandnish/openinverter-can-gateway/pkg/broker"
	_ "github.com/outlandnish/openinverter-can-gateway/pkg/can/socketcan"
	_ "github.com/outlandnish/openinverter-can-gateway/pkg/can/virtual"
	"github.com/outlandnish/openinverter-can-gateway/pkg/driver"
	"github.com/outlandnish/openinverter-can-gateway/pkg/firmware"
	"github.com/outlandnish/openinverter-can-gateway/pkg/scanner"
	"github.com/outlandnish/openinverter-can-gateway/pkg/scheduler"
	"github.com/outlandnish/openinverter-can-gateway/pkg/sdo"
	"github.com/outlandnish/openinverter-can-gateway/pkg/store"
	"github.com/outlandnish/openinverter-can-gateway/pkg/wsgateway"
)

var DefaultCanInterface = "socketcan"
var DefaultChannel = "can0"
var DefaultBaud = 500000
var DefaultHTTPPort = 8090
var DefaultStorePath = "gateway.ini"

func main() {
	log.SetLevel(log.InfoLevel)

	iface := flag.String("i", DefaultCanInterface, "CAN interface backend: socketcan, virtualcan")
	channel := flag.String("c", DefaultChannel, "CAN channel, e.g. can0, vcan0")
	baud := flag.Int("b", DefaultBaud, "CAN bit rate")
	port := flag.Int("p", DefaultHTTPPort, "HTTP/WebSocket listen port")
	storePath := flag.String("store", DefaultStorePath, "path to the persisted gateway configuration")
	flag.Parse()

	st, err := store.Open(*storePath)
	if err != nil {
		fmt.Printf("failed to open config store %v: %v\n", *storePath, err)
		os.Exit(1)
	}

	cfgBaud, rxPin, txPin, enablePin := st.CanConfig()
	if cfgBaud != 0 {
		*baud = cfgBaud
	}

	d := driver.New(driver.Config{
		Interface: *iface,
		Channel:   *channel,
		Baud:      driver.Baud(*baud),
		RxPin:     rxPin,
		TxPin:     txPin,
		EnablePin: enablePin,
	}, log.WithField("component", "driver"))

	start, end := st.ScanRange()
	log.WithField("range", fmt.Sprintf("%d-%d", start, end)).Info("loaded scan range from config store")

	if err := d.OpenForScan(); err != nil {
		fmt.Printf("failed to open CAN bus %v/%v: %v\n", *iface, *channel, err)
		os.Exit(1)
	}

	pumpStop := make(chan struct{})
	defer close(pumpStop)
	go d.Pump(pumpStop)

	tr := sdo.New(d.Queues(), log.WithField("component", "sdo"))
	sched := scheduler.New(d.Queues(), log.WithField("component", "scheduler"))
	defer sched.Close()
	fw := firmware.New(tr, sched, 0x7F0, nil, log.WithField("component", "firmware"))

	br := broker.New(d, tr, sched, nil, fw, st, log.WithField("component", "broker"))
	sc := scanner.New(tr, br, log.WithField("component", "scanner"))
	br.BindScanner(sc)

	server := wsgateway.New(br, d, slog.Default())
	addr := fmt.Sprintf(":%d", *port)
	log.WithField("addr", addr).Info("starting openinverter CAN gateway")
	if err := server.ListenAndServe(addr); err != nil {
		fmt.Printf("http server exited: %v\n", err)
		os.Exit(1)
	}
}

