package tagserver

import (
	"fmt"
	"strconv"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/registry"
	"github.com/tidwall/redcon"
)

func (s *Server) cmdPing(conn redcon.Conn, args [][]byte) error {
	switch len(args) {
	case 0:
		conn.WriteString("PONG")
	case 1:
		conn.WriteBulk(args[0])
	default:
		return fmt.Errorf("%w for 'ping'", errWrongArgs)
	}
	return nil
}

func (s *Server) cmdEcho(conn redcon.Conn, args [][]byte) error {
	if len(args) != 1 {
		return fmt.Errorf("%w for 'echo'", errWrongArgs)
	}
	conn.WriteBulk(args[0])
	return nil
}

// GET <address>
func (s *Server) cmdGet(conn redcon.Conn, args [][]byte) error {
	if len(args) != 1 {
		return fmt.Errorf("%w for 'get'", errWrongArgs)
	}
	addr, err := registry.ParseAddress(string(args[0]))
	if err != nil {
		return err
	}
	v, err := s.store.Read(addr)
	if err != nil {
		return err
	}
	conn.WriteBulkString(v.String())
	return nil
}

// SET <address> <value>
func (s *Server) cmdSet(conn redcon.Conn, args [][]byte) error {
	if len(args) != 2 {
		return fmt.Errorf("%w for 'set'", errWrongArgs)
	}
	addr, v, err := parseWrite(args[0], args[1])
	if err != nil {
		return err
	}
	if err := s.store.Write(addr, v); err != nil {
		return err
	}
	conn.WriteString("OK")
	return nil
}

// MGET <address> [address ...]. Unknown or invalid addresses reply nil.
func (s *Server) cmdMGet(conn redcon.Conn, args [][]byte) error {
	if len(args) == 0 {
		return fmt.Errorf("%w for 'mget'", errWrongArgs)
	}
	conn.WriteArray(len(args))
	for _, arg := range args {
		addr, err := registry.ParseAddress(string(arg))
		if err != nil {
			conn.WriteNull()
			continue
		}
		v, err := s.store.Read(addr)
		if err != nil {
			conn.WriteNull()
			continue
		}
		conn.WriteBulkString(v.String())
	}
	return nil
}

// MSET <address> <value> [address value ...]. Nothing is written unless every
// pair is valid.
func (s *Server) cmdMSet(conn redcon.Conn, args [][]byte) error {
	if len(args) == 0 || len(args)%2 != 0 {
		return fmt.Errorf("%w for 'mset'", errWrongArgs)
	}
	items := make([]registry.Item, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		addr, v, err := parseWrite(args[i], args[i+1])
		if err != nil {
			return err
		}
		items = append(items, registry.Item{Address: addr, Value: v})
	}
	if err := s.store.WriteBulk(items); err != nil {
		return err
	}
	conn.WriteString("OK")
	return nil
}

// SUBSCRIBE <address> [address ...]. Channel names are normalized so that
// %qw1 and QW1 both receive changes of %QW1.
func (s *Server) cmdSubscribe(conn redcon.Conn, args [][]byte) error {
	if len(args) == 0 {
		return fmt.Errorf("%w for 'subscribe'", errWrongArgs)
	}
	channels := make([]string, len(args))
	for i, arg := range args {
		addr, err := registry.ParseAddress(string(arg))
		if err != nil {
			return err
		}
		channels[i] = addr.String()
	}
	for _, ch := range channels {
		s.ps.Subscribe(conn, ch)
	}
	return nil
}

// PSUBSCRIBE <pattern> [pattern ...], e.g. %I* for every input.
func (s *Server) cmdPSubscribe(conn redcon.Conn, args [][]byte) error {
	if len(args) == 0 {
		return fmt.Errorf("%w for 'psubscribe'", errWrongArgs)
	}
	for _, arg := range args {
		s.ps.Psubscribe(conn, string(arg))
	}
	return nil
}

func (s *Server) cmdInfo(conn redcon.Conn, args [][]byte) error {
	published, dropped := s.Counters()
	info := "# Tags\r\n" +
		"connected_clients:" + strconv.Itoa(s.Clients()) + "\r\n" +
		"published_changes:" + strconv.FormatUint(published, 10) + "\r\n" +
		"dropped_changes:" + strconv.FormatUint(dropped, 10) + "\r\n"
	conn.WriteBulkString(info)
	return nil
}

// parseWrite validates one register write.
func parseWrite(rawAddr, rawValue []byte) (registry.Address, domain.Value, error) {
	addr, err := registry.ParseAddress(string(rawAddr))
	if err != nil {
		return 0, domain.Value{}, err
	}
	if !addr.Writable() {
		return 0, domain.Value{}, fmt.Errorf("%w: %s is read-only", domain.ErrInvalidOperation, addr)
	}
	v, err := domain.ParseValue(addr.DataType(), string(rawValue))
	if err != nil {
		return 0, domain.Value{}, err
	}
	return addr, v, nil
}
