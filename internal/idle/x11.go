package idle

import (
	"fmt"
	"sync"
	"time"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/screensaver"
	"github.com/jezek/xgb/xproto"
)

// X11 reads the time since the last input from the MIT-SCREEN-SAVER
// extension.
type X11 struct {
	mu   sync.Mutex
	conn *xgb.Conn
	root xproto.Window
}

// NewX11 connects to $DISPLAY.
func NewX11() (*X11, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, err
	}
	if err := screensaver.Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("screensaver extension: %w", err)
	}
	setup := xproto.Setup(conn)
	return &X11{conn: conn, root: setup.DefaultScreen(conn).Root}, nil
}

func (x *X11) IdleFor() (time.Duration, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	reply, err := screensaver.QueryInfo(x.conn, xproto.Drawable(x.root)).Reply()
	if err != nil {
		return 0, err
	}
	return time.Duration(reply.MsSinceUserInput) * time.Millisecond, nil
}

func (x *X11) Close() {
	x.conn.Close()
}
