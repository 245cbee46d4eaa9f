package webdav

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"
)

// Webdav shares the media directory read-only on its own listener. It is off
// until Start.
type Webdav struct {
	lock   sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	addr   string
	dir    string
	logger *zap.SugaredLogger
}

func New(ctx context.Context, addr, dir string, logger *zap.SugaredLogger) *Webdav {
	return &Webdav{
		ctx:    ctx,
		addr:   addr,
		dir:    dir,
		logger: logger,
	}
}

func (w *Webdav) Addr() string {
	return w.addr
}

// Start reports false when the share is already running.
func (w *Webdav) Start() bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.cancel != nil {
		return false
	}
	newCtx, cancel := context.WithCancel(w.ctx)
	w.cancel = cancel
	serve(newCtx, w.addr, Handler(w.dir, w.logger), w.logger)
	w.logger.Infof("webdav: sharing %s on %s", w.dir, w.addr)

	return true
}

// Stop reports false when the share was not running.
func (w *Webdav) Stop() bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.cancel == nil {
		return false
	}
	w.cancel()
	w.cancel = nil
	w.logger.Info("webdav: stopped")

	return true
}

func (w *Webdav) Running() bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.cancel != nil
}

func Handler(dir string, logger *zap.SugaredLogger) http.Handler {
	return &webdav.Handler{
		FileSystem: readOnly{webdav.Dir(dir)},
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				logger.Errorf("WEBDAV [%s]: %s, err: %s", r.Method, r.URL, err)
			}
		},
	}
}

func serve(ctx context.Context, addr string, h http.Handler, logger *zap.SugaredLogger) {
	svr := &http.Server{
		Addr:    addr,
		Handler: h,
	}

	go func() {
		if err := svr.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("webdav server err: %s", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srcCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svr.Shutdown(srcCtx); err != nil {
			logger.Errorf("shutdown webdav server err: %s", err)
		}
	}()
}

// readOnly rejects every call that would change the media directory.
type readOnly struct {
	webdav.FileSystem
}

func (readOnly) Mkdir(context.Context, string, os.FileMode) error {
	return os.ErrPermission
}

func (readOnly) RemoveAll(context.Context, string) error {
	return os.ErrPermission
}

func (readOnly) Rename(context.Context, string, string) error {
	return os.ErrPermission
}

func (fs readOnly) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, os.ErrPermission
	}
	return fs.FileSystem.OpenFile(ctx, name, flag, perm)
}
