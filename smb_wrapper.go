package smbproxy

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"strconv"

	"github.com/hirochachacha/go-smb2"
)

// realSMBSession wraps a go-smb2 Session to implement SMBSession.
type realSMBSession struct {
	session *smb2.Session
	conn    net.Conn
}

// Mount mounts a share and returns an SMBShare interface.
func (s *realSMBSession) Mount(ctx context.Context, shareName string) (SMBShare, error) {
	share, err := s.session.WithContext(ctx).Mount(shareName)
	if err != nil {
		return nil, err
	}
	return &realSMBShare{share: share}, nil
}

// Logoff ends the session and closes the transport.
func (s *realSMBSession) Logoff() error {
	err := s.session.Logoff()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// realSMBShare wraps a go-smb2 Share to implement SMBShare.
type realSMBShare struct {
	share *smb2.Share
}

// OpenFile opens a file with the specified flags and permissions. The file
// keeps using ctx for its later reads and writes.
func (sh *realSMBShare) OpenFile(ctx context.Context, name string, flag int, perm fs.FileMode) (SMBFile, error) {
	file, err := sh.share.WithContext(ctx).OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &realSMBFile{file: file}, nil
}

// Stat returns file info for the specified path.
func (sh *realSMBShare) Stat(ctx context.Context, name string) (fs.FileInfo, error) {
	return sh.share.WithContext(ctx).Stat(name)
}

// Mkdir creates a directory.
func (sh *realSMBShare) Mkdir(ctx context.Context, name string, perm fs.FileMode) error {
	return sh.share.WithContext(ctx).Mkdir(name, perm)
}

// Remove removes a file or empty directory.
func (sh *realSMBShare) Remove(ctx context.Context, name string) error {
	return sh.share.WithContext(ctx).Remove(name)
}

// Rename renames a file or directory.
func (sh *realSMBShare) Rename(ctx context.Context, oldname, newname string) error {
	return sh.share.WithContext(ctx).Rename(oldname, newname)
}

// Umount unmounts the share.
func (sh *realSMBShare) Umount() error {
	return sh.share.Umount()
}

// realSMBFile wraps a go-smb2 File to implement SMBFile.
type realSMBFile struct {
	file *smb2.File
}

func (f *realSMBFile) Read(p []byte) (n int, err error) {
	return f.file.Read(p)
}

func (f *realSMBFile) Write(p []byte) (n int, err error) {
	return f.file.Write(p)
}

func (f *realSMBFile) Seek(offset int64, whence int) (int64, error) {
	return f.file.Seek(offset, whence)
}

func (f *realSMBFile) Close() error {
	return f.file.Close()
}

func (f *realSMBFile) Stat() (fs.FileInfo, error) {
	return f.file.Stat()
}

func (f *realSMBFile) Readdir(n int) ([]fs.FileInfo, error) {
	return f.file.Readdir(n)
}

// SMB2Dialer implements SessionDialer with go-smb2 over TCP.
type SMB2Dialer struct {
	// Logger reports negotiation options go-smb2 cannot honour.
	Logger Logger

	// RequireSigning requires message signing on every session.
	RequireSigning bool
}

// DialSession connects to conn.Host and authenticates with NTLM.
func (d *SMB2Dialer) DialSession(ctx context.Context, conn *Connection) (SMBSession, error) {
	addr := net.JoinHostPort(conn.Host, strconv.Itoa(conn.Port))

	dialer := &net.Dialer{
		Timeout: conn.ConnTimeout,
	}

	dialCtx := ctx
	if conn.ConnTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, conn.ConnTimeout)
		defer cancel()
	}

	netConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	initiator := &smb2.NTLMInitiator{
		User:     conn.User,
		Password: conn.Password,
		Domain:   conn.Domain,
	}
	if conn.Anonymous {
		initiator = &smb2.NTLMInitiator{}
	}

	sd := &smb2.Dialer{
		Negotiator: smb2.Negotiator{
			RequireMessageSigning: d.RequireSigning,
			SpecifiedDialect:      d.specifiedDialect(conn),
		},
		Initiator: initiator,
	}

	if conn.EnableDFS && d.Logger != nil {
		d.Logger.Printf("connection %s: DFS referrals are not followed, using %s directly", conn.ID, addr)
	}

	session, err := sd.DialContext(dialCtx, netConn)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("SMB session setup failed: %w", err)
	}

	return &realSMBSession{session: session, conn: netConn}, nil
}

// specifiedDialect pins the negotiated dialect when the connection allows
// exactly one. go-smb2 negotiates its full range otherwise.
func (d *SMB2Dialer) specifiedDialect(conn *Connection) uint16 {
	switch {
	case conn.MaxDialect != 0 && conn.MinDialect == conn.MaxDialect:
		return conn.MaxDialect
	case conn.MinDialect != 0 || conn.MaxDialect != 0:
		if d.Logger != nil {
			d.Logger.Printf("connection %s: dialect range %#x-%#x not enforceable, negotiating default range",
				conn.ID, conn.MinDialect, conn.MaxDialect)
		}
	}
	return 0
}
