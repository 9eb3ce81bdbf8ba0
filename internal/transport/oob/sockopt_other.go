//go:build !unix

package oob

import "syscall"

func reuseAddr(_, _ string, _ syscall.RawConn) error {
	return nil
}
