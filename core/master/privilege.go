package master

import (
	"fmt"
	"os/user"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// dropPrivileges switches the process group and then user, immediately
// after binding and before any worker is spawned. Failure is fatal.
func (m *Master) dropPrivileges() error {
	if g := m.cfg.Group; g != "" {
		gid, err := lookupGroupID(g)
		if err != nil {
			return err
		}
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("setgid %s: %w", g, err)
		}
		m.log.Info("switched group", zap.String("group", g))
	}
	if u := m.cfg.User; u != "" {
		uid, err := lookupUserID(u)
		if err != nil {
			return err
		}
		if err := unix.Setuid(uid); err != nil {
			return fmt.Errorf("setuid %s: %w", u, err)
		}
		m.log.Info("switched user", zap.String("user", u))
	}
	return nil
}

func lookupGroupID(group string) (int, error) {
	if gid, err := strconv.Atoi(group); err == nil {
		return gid, nil
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return -1, fmt.Errorf("lookup group %s: %w", group, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return -1, fmt.Errorf("group %s has non-numeric gid %q", group, g.Gid)
	}
	return gid, nil
}

func lookupUserID(name string) (int, error) {
	if uid, err := strconv.Atoi(name); err == nil {
		return uid, nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return -1, fmt.Errorf("lookup user %s: %w", name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return -1, fmt.Errorf("user %s has non-numeric uid %q", name, u.Uid)
	}
	return uid, nil
}
