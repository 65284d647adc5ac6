package dispatch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

const DefaultPassword = "123456"

//Request is an outbound command rendered in the device grammar pw,<password>,<keyword>[,<arg>...]#
type Request interface {
	Encode(password string) (string, error)
}

//RawCommand is sent as given when it already carries a password, otherwise it is wrapped in the grammar
type RawCommand struct {
	Text string
}

func (r RawCommand) Encode(password string) (string, error) {
	text := strings.TrimSpace(r.Text)
	if text == "" {
		return "", errors.NotValidf("empty command")
	}
	if strings.HasPrefix(strings.ToLower(text), "pw,") {
		return text, nil
	}
	return encode(password, strings.TrimSuffix(text, "#")), nil
}

type SetServer struct {
	IP   string
	Port int
}

func (r SetServer) Encode(password string) (string, error) {
	if r.IP == "" || r.Port <= 0 || r.Port > 65535 {
		return "", errors.NotValidf("server %s:%d", r.IP, r.Port)
	}
	return encode(password, "ip", r.IP, strconv.Itoa(r.Port)), nil
}

type SetUploadInterval struct {
	Seconds int
}

func (r SetUploadInterval) Encode(password string) (string, error) {
	if r.Seconds <= 0 {
		return "", errors.NotValidf("upload interval %d", r.Seconds)
	}
	return encode(password, "upload", strconv.Itoa(r.Seconds)), nil
}

type SetSOSNumbers struct {
	Numbers []string
}

func (r SetSOSNumbers) Encode(password string) (string, error) {
	if len(r.Numbers) == 0 || len(r.Numbers) > 3 {
		return "", errors.NotValidf("%d sos numbers", len(r.Numbers))
	}
	return encode(password, append([]string{"sos"}, r.Numbers...)...), nil
}

type SetCenterNumber struct {
	Number string
}

func (r SetCenterNumber) Encode(password string) (string, error) {
	if r.Number == "" {
		return "", errors.NotValidf("empty center number")
	}
	return encode(password, "center", r.Number), nil
}

type SetAPN struct {
	Name     string
	User     string
	Password string
}

func (r SetAPN) Encode(password string) (string, error) {
	if r.Name == "" {
		return "", errors.NotValidf("empty apn")
	}
	args := []string{"apn", r.Name}
	if r.User != "" || r.Password != "" {
		args = append(args, r.User, r.Password)
	}
	return encode(password, args...), nil
}

//Simple is a request without arguments
type Simple string

const (
	Locate       Simple = "cr"
	QueryStatus  Simple = "ts"
	Reboot       Simple = "reset"
	PowerOff     Simple = "poweroff"
	FactoryReset Simple = "factory"
)

func (r Simple) Encode(password string) (string, error) {
	return encode(password, string(r)), nil
}

//NewRequest builds a named request, as accepted by the command api
func NewRequest(name string, args []string) (Request, error) {
	arg := func(i int) string {
		if i < len(args) {
			return strings.TrimSpace(args[i])
		}
		return ""
	}
	switch strings.ToLower(name) {
	case "set_server":
		port, err := strconv.Atoi(arg(1))
		if err != nil {
			return nil, errors.NotValidf("port %q", arg(1))
		}
		return SetServer{IP: arg(0), Port: port}, nil
	case "upload_interval":
		secs, err := strconv.Atoi(arg(0))
		if err != nil {
			return nil, errors.NotValidf("interval %q", arg(0))
		}
		return SetUploadInterval{Seconds: secs}, nil
	case "sos_numbers":
		return SetSOSNumbers{Numbers: args}, nil
	case "center_number":
		return SetCenterNumber{Number: arg(0)}, nil
	case "apn":
		return SetAPN{Name: arg(0), User: arg(1), Password: arg(2)}, nil
	case "locate":
		return Locate, nil
	case "status":
		return QueryStatus, nil
	case "reboot":
		return Reboot, nil
	case "power_off":
		return PowerOff, nil
	case "factory_reset":
		return FactoryReset, nil
	}

	return nil, errors.NotSupportedf("request %q", name)
}

func encode(password string, parts ...string) string {
	return fmt.Sprintf("pw,%s,%s#", password, strings.Join(parts, ","))
}
