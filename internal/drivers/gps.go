// Package drivers is the Sensor Drivers Facade: one small type per physical
// sensor or actuator, each owned by the caller rather than reached through a
// package global, each tolerant of absent hardware (Init failure leaves the
// driver in a safe zero-value state instead of panicking).
package drivers

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

// GPSFix is a snapshot of the current GPS/cellular cache, merged
// continuously by the NMEA reader goroutine and periodically by
// RefreshNetwork.
type GPSFix struct {
	Lat, Lon     float64
	AltitudeM    float64
	SpeedKmh     float64
	HeadingDeg   float64
	FixQuality   int
	Satellites   int
	HDOP         float64
	OK           bool
	Timestamp    string
	SignalDBm    int
	NetworkType  string
	Operator     string
}

// networkTypeByACT maps the AT+COPS access-technology code to a human
// network type label.
var networkTypeByACT = map[int]string{
	0:  "2G",
	2:  "3G",
	7:  "4G",
	11: "5G-NSA",
	12: "5G",
}

// GPS owns two serial ports: a continuous NMEA stream and a periodic AT
// command channel for signal/operator refresh.
type GPS struct {
	nmeaPort string
	atPort   string
	baud     int
	log      *zap.Logger

	mu   sync.RWMutex
	fix  GPSFix
	stop chan struct{}
	done chan struct{}
}

// NewGPS constructs a GPS driver bound to the given ports. It does not open
// any port until Init is called.
func NewGPS(nmeaPort, atPort string, baud int, log *zap.Logger) *GPS {
	return &GPS{
		nmeaPort: nmeaPort,
		atPort:   atPort,
		baud:     baud,
		log:      log,
		fix:      GPSFix{HDOP: 99.9, SignalDBm: -1, NetworkType: "UNKNOWN"},
	}
}

// Init activates GNSS over the AT port, takes an initial network reading,
// and starts the NMEA reader goroutine. AT failures are logged, not fatal —
// the NMEA reader still attempts to connect independently.
func (g *GPS) Init(ctx context.Context) error {
	if err := g.atInit(); err != nil {
		g.log.Warn("gps AT init warning", zap.Error(err))
	}
	if err := g.RefreshNetwork(); err != nil {
		g.log.Warn("gps network info warning", zap.Error(err))
	}

	g.stop = make(chan struct{})
	g.done = make(chan struct{})
	go g.nmeaLoop()
	return nil
}

// Close stops the NMEA reader goroutine, waiting up to 3s for it to exit.
func (g *GPS) Close() error {
	if g.stop == nil {
		return nil
	}
	close(g.stop)
	select {
	case <-g.done:
	case <-time.After(3 * time.Second):
	}
	return nil
}

// Read returns a copy of the current cache.
func (g *GPS) Read() GPSFix {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.fix
}

func (g *GPS) atSend(cmd string, timeout time.Duration) (string, error) {
	mode := &serial.Mode{BaudRate: g.baud}
	port, err := serial.Open(g.atPort, mode)
	if err != nil {
		return "", fmt.Errorf("open AT port %q: %w", g.atPort, err)
	}
	defer port.Close()
	port.SetReadTimeout(timeout)

	if _, err := port.Write([]byte(cmd + "\r")); err != nil {
		return "", fmt.Errorf("write AT command: %w", err)
	}
	time.Sleep(300 * time.Millisecond)

	buf := make([]byte, 2048)
	n, err := port.Read(buf)
	if err != nil {
		return "", fmt.Errorf("read AT response: %w", err)
	}
	return strings.TrimSpace(string(buf[:n])), nil
}

func (g *GPS) atInit() error {
	resp, err := g.atSend("AT", time.Second)
	if err != nil {
		return err
	}
	if !strings.Contains(resp, "OK") && !strings.Contains(resp, "AT") {
		return fmt.Errorf("modem not detected, AT response: %q", resp)
	}
	for _, cmd := range []string{"AT+CGNSSMODE=1", "AT+CGPS=0", "AT+CGPS=1"} {
		if _, err := g.atSend(cmd, time.Second); err != nil {
			return err
		}
		time.Sleep(300 * time.Millisecond)
	}
	return nil
}

// RefreshNetwork re-reads CSQ (signal strength) and COPS (operator/network
// type) over the AT port. Intended to be called periodically (every 30s)
// by the main loop.
//
// CSQ mapping: 0 <= csq <= 31 is valid, rssi = -113 + 2*csq (0 -> -113dBm,
// 31 -> -51dBm); csq == 99 (unknown) is rejected and the cached value is
// left untouched.
func (g *GPS) RefreshNetwork() error {
	resp, err := g.atSend("AT+CSQ", time.Second)
	if err != nil {
		return err
	}
	if dbm, ok := parseCSQ(resp); ok {
		g.mu.Lock()
		g.fix.SignalDBm = dbm
		g.mu.Unlock()
	}

	resp, err = g.atSend("AT+COPS?", time.Second)
	if err != nil {
		return err
	}
	if op, netType, ok := parseCOPS(resp); ok {
		g.mu.Lock()
		g.fix.Operator = op
		g.fix.NetworkType = netType
		g.mu.Unlock()
	}
	return nil
}

// parseCSQ extracts the signal strength from a +CSQ response and maps it
// to dBm (rssi = -113 + 2*csq). A csq outside 0..31 — notably the modem's
// 99 "unknown" sentinel — is rejected so the cached value stays untouched.
func parseCSQ(resp string) (dbm int, ok bool) {
	for _, line := range strings.Split(resp, "\n") {
		if !strings.Contains(line, "+CSQ:") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) < 2 {
			continue
		}
		fields := strings.Split(strings.TrimSpace(parts[1]), ",")
		if len(fields) == 0 {
			continue
		}
		csq, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		if csq >= 0 && csq <= 31 {
			return -113 + 2*csq, true
		}
	}
	return 0, false
}

// parseCOPS extracts the operator name and access-technology code from a
// +COPS? response, mapping the act code to a network type label.
func parseCOPS(resp string) (operator, networkType string, ok bool) {
	for _, line := range strings.Split(resp, "\n") {
		if !strings.Contains(line, "+COPS:") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 4 {
			continue
		}
		op := strings.Trim(strings.TrimSpace(parts[2]), `"`)
		act, err := strconv.Atoi(strings.TrimSpace(parts[3]))
		if err != nil {
			continue
		}
		netType, known := networkTypeByACT[act]
		if !known {
			netType = fmt.Sprintf("ACT%d", act)
		}
		return op, netType, true
	}
	return "", "", false
}

func (g *GPS) nmeaLoop() {
	defer close(g.done)
	reconnectDelay := time.Second

	for {
		select {
		case <-g.stop:
			return
		default:
		}

		mode := &serial.Mode{BaudRate: g.baud}
		port, err := serial.Open(g.nmeaPort, mode)
		if err != nil {
			g.log.Warn("gps port lost, reconnecting",
				zap.Error(err), zap.Duration("delay", reconnectDelay))
			select {
			case <-time.After(reconnectDelay):
			case <-g.stop:
				return
			}
			reconnectDelay *= 2
			if reconnectDelay > 30*time.Second {
				reconnectDelay = 30 * time.Second
			}
			continue
		}

		reconnectDelay = time.Second
		g.readSentences(port)

		select {
		case <-g.stop:
			port.Close()
			return
		default:
			port.Close()
		}
	}
}

func (g *GPS) readSentences(port serial.Port) {
	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		select {
		case <-g.stop:
			return
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "$") {
			continue
		}
		msg, err := nmea.Parse(line)
		if err != nil {
			continue
		}
		g.processSentence(msg)
	}
}

func (g *GPS) processSentence(msg nmea.Sentence) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch m := msg.(type) {
	case nmea.GGA:
		q := gpsQualityFromFixQuality(m.FixQuality)
		g.fix.FixQuality = q
		g.fix.Satellites = int(m.NumSatellites)
		g.fix.OK = q > 0
		if q > 0 {
			g.fix.Lat = m.Latitude
			g.fix.Lon = m.Longitude
			g.fix.AltitudeM = m.Altitude
		}
		if m.HDOP != 0 {
			g.fix.HDOP = m.HDOP
		}
	case nmea.RMC:
		if m.Validity == "A" {
			g.fix.Lat = m.Latitude
			g.fix.Lon = m.Longitude
			g.fix.OK = true
			g.fix.SpeedKmh = m.Speed * 1.852
			g.fix.HeadingDeg = m.Course
			g.fix.Timestamp = m.Date.String() + " " + m.Time.String()
		}
	case nmea.VTG:
		if m.GroundSpeedKPH != 0 {
			g.fix.SpeedKmh = m.GroundSpeedKPH
		}
		if m.TrueTrack != 0 {
			g.fix.HeadingDeg = m.TrueTrack
		}
	case nmea.GSA:
		if m.HDOP != 0 {
			g.fix.HDOP = m.HDOP
		}
	}
}

// gpsQualityFromFixQuality normalizes the go-nmea GGA FixQuality field
// (which may be a numeric string) into an int fix-quality code.
func gpsQualityFromFixQuality(raw string) int {
	q, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return q
}
