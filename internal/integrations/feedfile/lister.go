package feedfile

import (
	"context"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
)

// Lister exposes the feed files of one supplier drop.
type Lister interface {
	List(ctx context.Context) ([]string, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

type dirLister struct {
	dir string
}

func newDirLister(dir string) *dirLister {
	return &dirLister{dir: expandHome(dir)}
}

func (d *dirLister) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, eris.Wrapf(err, "feedfile: read dir %s", d.dir)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (d *dirLister) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(d.dir, name))
	if err != nil {
		return nil, eris.Wrapf(err, "feedfile: open %s", name)
	}
	return f, nil
}

type FTPConfig struct {
	Addr       string `json:"addr"` // host or host:port
	User       string `json:"user"`
	Password   string `json:"password"`
	Dir        string `json:"dir"`
	TimeoutSec int    `json:"timeout_sec"`
}

type ftpLister struct {
	cfg     FTPConfig
	timeout time.Duration
}

func newFTPLister(cfg FTPConfig) *ftpLister {
	t := time.Duration(cfg.TimeoutSec) * time.Second
	if t <= 0 {
		t = 30 * time.Second
	}
	if cfg.User == "" {
		cfg.User, cfg.Password = "anonymous", "anonymous@"
	}
	return &ftpLister{cfg: cfg, timeout: t}
}

func (l *ftpLister) dial(ctx context.Context) (*ftp.ServerConn, error) {
	addr := l.cfg.Addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "21")
	}
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(l.timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrap(err, "feedfile: ftp dial")
	}
	if err := conn.Login(l.cfg.User, l.cfg.Password); err != nil {
		_ = conn.Quit()
		return nil, eris.Wrap(err, "feedfile: ftp login")
	}
	return conn, nil
}

func (l *ftpLister) List(ctx context.Context) ([]string, error) {
	conn, err := l.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	entries, err := conn.List(l.cfg.Dir)
	if err != nil {
		return nil, eris.Wrapf(err, "feedfile: ftp list %s", l.cfg.Dir)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type == ftp.EntryTypeFile {
			out = append(out, path.Base(e.Name))
		}
	}
	return out, nil
}

// ftpFile closes the transfer and the control connection together.
type ftpFile struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (f *ftpFile) Read(p []byte) (int, error) { return f.resp.Read(p) }

func (f *ftpFile) Close() error {
	respErr := f.resp.Close()
	quitErr := f.conn.Quit()
	if respErr != nil {
		return eris.Wrap(respErr, "feedfile: close ftp transfer")
	}
	if quitErr != nil {
		return eris.Wrap(quitErr, "feedfile: ftp quit")
	}
	return nil
}

func (l *ftpLister) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	conn, err := l.dial(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := conn.Retr(path.Join(l.cfg.Dir, name))
	if err != nil {
		_ = conn.Quit()
		return nil, eris.Wrapf(err, "feedfile: ftp retrieve %s", name)
	}
	return &ftpFile{resp: resp, conn: conn}, nil
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
