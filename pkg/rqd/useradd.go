package rqd

import (
	"os/exec"
	"os/user"
	"strconv"

	"github.com/cuemby/cueflow/pkg/errs"
)

// OSUserCreator provisions a per-frame OS account by shelling out to
// useradd, the same way BuildEntrypoint shells out to run the frame's
// command.
type OSUserCreator struct{}

// EnsureUser creates username with the given uid/gid if it doesn't already
// exist; an existing account with the same name is left untouched.
func (OSUserCreator) EnsureUser(username string, uid, gid int32) error {
	if _, err := user.Lookup(username); err == nil {
		return nil
	}

	args := []string{"-M", "-N"}
	if uid > 0 {
		args = append(args, "-u", strconv.Itoa(int(uid)))
	}
	if gid > 0 {
		args = append(args, "-g", strconv.Itoa(int(gid)))
	}
	args = append(args, username)

	if err := exec.Command("useradd", args...).Run(); err != nil {
		return errs.Wrap(errs.KindAborted, "useradd "+username, err)
	}
	return nil
}

var _ UserCreator = OSUserCreator{}
