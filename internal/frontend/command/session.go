package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/bhyvex/metis/internal/errors"
	"github.com/bhyvex/metis/internal/model"
)

var errQuit = errors.New("quit")

var knownOps = map[string]bool{
	"PING": true, "QUIT": true, "LEVEL": true, "LOCATE": true, "PUT": true,
	"COPY": true, "CONFIRM": true, "ROLLBACK": true, "STATS": true,
}

type session struct {
	server *Server
	conn   net.Conn
	out    *bufio.Writer
	logger *zap.Logger
}

func newSession(s *Server, conn net.Conn) *session {
	return &session{
		server: s,
		conn:   conn,
		out:    bufio.NewWriter(conn),
		logger: s.logger.With(zap.String("remote", conn.RemoteAddr().String())),
	}
}

func (c *session) serve(ctx context.Context) error {
	buf := c.server.buffers.Get()
	defer c.server.buffers.Put(buf)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(buf[:0], len(buf))

	for {
		if c.server.timeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.server.timeout))
		}
		if !scanner.Scan() {
			err := scanner.Err()
			if errors.Is(err, bufio.ErrTooLong) {
				c.reply(fmt.Sprintf("ERR %s line too long", apperrors.ErrCodeInvalidArgument))
				c.out.Flush()
			}
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		err := c.execute(ctx, line)
		if c.out.Flush() != nil {
			return nil
		}
		if errors.Is(err, errQuit) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *session) execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	op := strings.ToUpper(fields[0])
	args := fields[1:]

	if c.server.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.server.timeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := c.handle(ctx, op, args)
	if errors.Is(err, errQuit) {
		c.reply("OK BYE")
		return err
	}

	status := "ok"
	if err != nil {
		code := apperrors.GetCode(err)
		status = strings.ToLower(code.String())
		if code == apperrors.ErrCodeInternal {
			c.logger.Error("Command failed", zap.String("op", op), zap.Error(err))
		} else {
			c.logger.Debug("Command rejected", zap.String("op", op), zap.Error(err))
		}
		c.reply(fmt.Sprintf("ERR %s %s", code, singleLine(err.Error())))
	} else if reply == "" {
		c.reply("OK")
	} else {
		c.reply("OK " + reply)
	}
	label := op
	if !knownOps[op] {
		label = "unknown"
	}
	c.server.metrics.RecordRequest("cmd", label, status, time.Since(start).Seconds())
	return nil
}

func (c *session) handle(ctx context.Context, op string, args []string) (string, error) {
	mgr := c.server.manager
	switch op {
	case "PING":
		return "PONG", nil

	case "QUIT":
		return "", errQuit

	case "LEVEL":
		if len(args) != 2 {
			return "", usage("LEVEL <level> <sub_level>")
		}
		key, err := parseLevel(args[0], args[1])
		if err != nil {
			return "", err
		}
		level, err := mgr.AddLevel(ctx, key.Level, key.SubLevel)
		if err != nil {
			return "", err
		}
		return strconv.FormatUint(uint64(level.ID), 10), nil

	case "LOCATE":
		if len(args) != 3 {
			return "", usage("LOCATE <level> <sub_level> <id>")
		}
		item, err := parseItem(args)
		if err != nil {
			return "", err
		}
		loc, err := mgr.FindAndFill(ctx, item)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %s", loc.Range.ID, formatNodes(loc.Nodes)), nil

	case "PUT":
		if len(args) != 4 {
			return "", usage("PUT <level> <sub_level> <id> <size>")
		}
		item, err := parseItem(args[:3])
		if err != nil {
			return "", err
		}
		size, err := parseUint(args[3], 64, "size")
		if err != nil {
			return "", err
		}
		res, err := mgr.PutItem(ctx, item, size)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %d %s", res.Reservation.ID, res.Range.ID, formatNodes(res.Reservation.Nodes)), nil

	case "COPY":
		if len(args) < 2 || len(args) > 3 {
			return "", usage("COPY <range_id> <size> [node,node...]")
		}
		rangeID, err := parseUint(args[0], 64, "range id")
		if err != nil {
			return "", err
		}
		size, err := parseUint(args[1], 64, "size")
		if err != nil {
			return "", err
		}
		var current []model.NodeID
		if len(args) == 3 {
			for _, part := range strings.Split(args[2], ",") {
				id, err := parseUint(part, 32, "node id")
				if err != nil {
					return "", err
				}
				current = append(current, model.NodeID(id))
			}
		}
		res, err := mgr.GetStorageForCopy(model.RangeID(rangeID), size, current)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s", res.ID, formatNodes(res.Nodes)), nil

	case "CONFIRM", "ROLLBACK":
		if len(args) != 1 {
			return "", usage(op + " <reservation_id>")
		}
		id, err := uuid.Parse(args[0])
		if err != nil {
			return "", apperrors.InvalidArgument("invalid reservation id", err)
		}
		if op == "CONFIRM" {
			_, err = mgr.ConfirmReservation(ctx, id)
		} else {
			_, err = mgr.RollbackReservation(id)
		}
		return "", err

	case "STATS":
		body, err := json.Marshal(mgr.Stats())
		if err != nil {
			return "", apperrors.Internal("failed to encode stats", err)
		}
		return string(body), nil

	default:
		return "", apperrors.InvalidArgument("unknown command "+op, nil)
	}
}

func (c *session) reply(line string) {
	c.out.WriteString(line)
	c.out.WriteByte('\n')
}

func usage(form string) error {
	return apperrors.InvalidArgument("usage: "+form, nil)
}

func parseUint(s string, bits int, what string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		return 0, apperrors.InvalidArgument("invalid "+what+" "+strconv.Quote(s), err)
	}
	return v, nil
}

func parseLevel(level, subLevel string) (model.LevelKey, error) {
	l, err := parseUint(level, 32, "level")
	if err != nil {
		return model.LevelKey{}, err
	}
	sl, err := parseUint(subLevel, 32, "sub level")
	if err != nil {
		return model.LevelKey{}, err
	}
	return model.LevelKey{Level: uint32(l), SubLevel: uint32(sl)}, nil
}

func parseItem(args []string) (model.ItemKey, error) {
	key, err := parseLevel(args[0], args[1])
	if err != nil {
		return model.ItemKey{}, err
	}
	id, err := parseUint(args[2], 64, "item id")
	if err != nil {
		return model.ItemKey{}, err
	}
	return model.ItemKey{Level: key.Level, SubLevel: key.SubLevel, ID: id}, nil
}

// formatNodes renders nodes as id@host:port separated by commas, or "-".
func formatNodes(nodes []model.StorageNode) string {
	if len(nodes) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		parts = append(parts, fmt.Sprintf("%d@%s", n.ID, n.Addr()))
	}
	return strings.Join(parts, ",")
}

func singleLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
