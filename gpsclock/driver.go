// Package gpsclock reads GPS fixes off a serial NMEA stream, the surface
// the time-sync task needs: position, speed, and a synchronized UTC
// timestamp. It does not drive the rest of the cellular modem's
// AT-command surface.
package gpsclock

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"

	"github.com/gridkeeper/ems-core/devices"
	"github.com/gridkeeper/ems-core/transport"
)

// Config configures the serial port the GPS module is attached to.
type Config struct {
	Port    string
	Baud    int
	Timeout time.Duration
}

// Driver reads NMEA sentences off a serial port and extracts GPS fixes.
type Driver struct {
	port   *serial.Port
	reader *bufio.Scanner
}

const defaultReadTimeout = 2 * time.Second

// NewDriver opens the configured serial port.
func NewDriver(cfg Config) (*Driver, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}
	sc := &serial.Config{Name: cfg.Port, Baud: cfg.Baud, ReadTimeout: timeout}
	port, err := serial.OpenPort(sc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrConnectionFailed, err)
	}
	return &Driver{port: port, reader: bufio.NewScanner(port)}, nil
}

// Close closes the serial port.
func (d *Driver) Close() error {
	if d.port == nil {
		return nil
	}
	return d.port.Close()
}

// ReadFix blocks until the next GPGGA or GPRMC sentence is decoded into a
// GpsData, or the scan fails (typically on the port's read timeout).
func (d *Driver) ReadFix() (devices.GpsData, error) {
	for d.reader.Scan() {
		line := strings.TrimSpace(d.reader.Text())
		fix, ok, err := parseNMEASentence(line)
		if err != nil {
			continue
		}
		if ok {
			return fix, nil
		}
	}
	if err := d.reader.Err(); err != nil {
		return devices.GpsData{}, fmt.Errorf("%w: %v", transport.ErrTimeout, err)
	}
	return devices.GpsData{}, fmt.Errorf("%w: serial stream closed", transport.ErrConnectionFailed)
}

// parseNMEASentence decodes a GPGGA (position, altitude) or GPRMC (speed)
// sentence. Other sentence types return ok=false, not an error.
func parseNMEASentence(line string) (devices.GpsData, bool, error) {
	if !strings.HasPrefix(line, "$") {
		return devices.GpsData{}, false, nil
	}
	body := strings.SplitN(line[1:], "*", 2)[0]
	fields := strings.Split(body, ",")
	if len(fields) == 0 {
		return devices.GpsData{}, false, nil
	}

	switch fields[0] {
	case "GPGGA", "GNGGA":
		return parseGGA(fields)
	case "GPRMC", "GNRMC":
		return parseRMC(fields)
	default:
		return devices.GpsData{}, false, nil
	}
}

func parseGGA(fields []string) (devices.GpsData, bool, error) {
	if len(fields) < 10 {
		return devices.GpsData{}, false, fmt.Errorf("%w: short GGA sentence", transport.ErrInvalidData)
	}
	lat, err := parseNMEACoord(fields[2], fields[3])
	if err != nil {
		return devices.GpsData{}, false, err
	}
	lon, err := parseNMEACoord(fields[4], fields[5])
	if err != nil {
		return devices.GpsData{}, false, err
	}
	alt, err := strconv.ParseFloat(fields[9], 64)
	if err != nil {
		return devices.GpsData{}, false, fmt.Errorf("%w: bad altitude %q", transport.ErrInvalidData, fields[9])
	}
	return devices.GpsData{
		LatitudeDeg:  lat,
		LongitudeDeg: lon,
		AltitudeM:    alt,
		TimestampUTC: nmeaTimeToUTC(fields[1]),
	}, true, nil
}

func parseRMC(fields []string) (devices.GpsData, bool, error) {
	if len(fields) < 8 {
		return devices.GpsData{}, false, fmt.Errorf("%w: short RMC sentence", transport.ErrInvalidData)
	}
	lat, err := parseNMEACoord(fields[3], fields[4])
	if err != nil {
		return devices.GpsData{}, false, err
	}
	lon, err := parseNMEACoord(fields[5], fields[6])
	if err != nil {
		return devices.GpsData{}, false, err
	}
	speedKnots, err := strconv.ParseFloat(fields[7], 64)
	if err != nil {
		return devices.GpsData{}, false, fmt.Errorf("%w: bad speed %q", transport.ErrInvalidData, fields[7])
	}
	return devices.GpsData{
		LatitudeDeg:  lat,
		LongitudeDeg: lon,
		SpeedMps:     speedKnots * 0.514444,
		TimestampUTC: nmeaTimeToUTC(fields[1]),
	}, true, nil
}

// parseNMEACoord converts an NMEA ddmm.mmmm / dddmm.mmmm + hemisphere
// pair into signed decimal degrees.
func parseNMEACoord(raw, hemisphere string) (float64, error) {
	if raw == "" {
		return 0, fmt.Errorf("%w: empty coordinate field", transport.ErrInvalidData)
	}
	dotIdx := strings.IndexByte(raw, '.')
	if dotIdx < 2 {
		return 0, fmt.Errorf("%w: malformed coordinate %q", transport.ErrInvalidData, raw)
	}
	degDigits := dotIdx - 2
	deg, err := strconv.ParseFloat(raw[:degDigits], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed coordinate degrees %q", transport.ErrInvalidData, raw)
	}
	minutes, err := strconv.ParseFloat(raw[degDigits:], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed coordinate minutes %q", transport.ErrInvalidData, raw)
	}
	value := deg + minutes/60
	if hemisphere == "S" || hemisphere == "W" {
		value = -value
	}
	return value, nil
}

// nmeaTimeToUTC turns an hhmmss[.sss] fix time into an RFC3339 string
// anchored to today's date, since NMEA time-of-day sentences carry no
// date field on their own.
func nmeaTimeToUTC(hhmmss string) string {
	if len(hhmmss) < 6 {
		return time.Now().UTC().Format(time.RFC3339)
	}
	hh, _ := strconv.Atoi(hhmmss[0:2])
	mm, _ := strconv.Atoi(hhmmss[2:4])
	ss, _ := strconv.Atoi(hhmmss[4:6])
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), hh, mm, ss, 0, time.UTC).Format(time.RFC3339)
}
