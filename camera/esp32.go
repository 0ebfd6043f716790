package camera

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.dedis.ch/framerelay/relay/impl"
	"golang.org/x/xerrors"
)

const (
	DefaultPort       = 80
	DefaultStreamPort = 81

	statusTimeout  = 5 * time.Second
	captureTimeout = 10 * time.Second

	// maxImageSize bounds a single capture download.
	maxImageSize = 8 << 20
)

// Resolutions maps the frame size names understood by the ESP32 camera
// firmware to their framesize index.
var Resolutions = map[string]int{
	"96X96":   0,
	"QQVGA":   1,
	"QCIF":    2,
	"HQVGA":   3,
	"240X240": 4,
	"QVGA":    5,
	"CIF":     6,
	"HVGA":    7,
	"VGA":     8,
	"SVGA":    9,
	"XGA":     10,
	"HD":      11,
	"SXGA":    12,
	"UXGA":    13,
}

// StatusError occurs when the camera answers with a non-200 status.
type StatusError struct {
	Path string
	Code int
}

func (err StatusError) Error() string {
	return fmt.Sprintf("camera answered %d on %s", err.Code, err.Path)
}

// NewClient returns a client for the camera at host. Ports below 1 use the
// firmware defaults.
func NewClient(host string, port, streamPort int) *Client {
	if port < 1 {
		port = DefaultPort
	}
	if streamPort < 1 {
		streamPort = DefaultStreamPort
	}

	return &Client{
		baseURL:   "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		streamURL: "http://" + net.JoinHostPort(host, strconv.Itoa(streamPort)) + "/stream",
		http:      &http.Client{},
		logger:    impl.Logger().With().Str("camera", host).Logger(),
	}
}

// NewClientFromURL returns a client for a camera whose control API is at
// baseURL and stream at streamURL.
func NewClientFromURL(baseURL, streamURL string) *Client {
	return &Client{
		baseURL:   baseURL,
		streamURL: streamURL,
		http:      &http.Client{},
		logger:    impl.Logger().With().Str("camera", baseURL).Logger(),
	}
}

// Client talks to the HTTP control API of an ESP32 camera.
type Client struct {
	baseURL   string
	streamURL string
	http      *http.Client
	logger    zerolog.Logger
}

// BaseURL returns the address of the camera web interface.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// StreamURL returns the MJPEG stream address.
func (c *Client) StreamURL() string {
	return c.streamURL
}

// Ping reports whether the camera answers on /status.
func (c *Client) Ping(ctx context.Context) bool {
	_, err := c.get(ctx, "/status", nil, statusTimeout, 1<<16)
	if err != nil {
		c.logger.Debug().Err(err).Msg("ping failed")
		return false
	}
	return true
}

// Status returns the camera settings.
func (c *Client) Status(ctx context.Context) (map[string]interface{}, error) {
	body, err := c.get(ctx, "/status", nil, statusTimeout, 1<<16)
	if err != nil {
		return nil, err
	}

	status := make(map[string]interface{})

	err = json.Unmarshal(body, &status)
	if err != nil {
		return nil, impl.NewError(impl.KindMalformedData, "status", err)
	}

	return status, nil
}

// Capture returns a single JPEG image.
func (c *Client) Capture(ctx context.Context) ([]byte, error) {
	return c.get(ctx, "/capture", nil, captureTimeout, maxImageSize)
}

// CaptureBMP returns a single uncompressed BMP image.
func (c *Client) CaptureBMP(ctx context.Context) ([]byte, error) {
	return c.get(ctx, "/bmp", nil, captureTimeout, maxImageSize)
}

// Set changes one camera setting through /control.
func (c *Client) Set(ctx context.Context, setting string, value string) error {
	query := url.Values{}
	query.Set(setting, value)

	_, err := c.get(ctx, "/control", query, statusTimeout, 1<<12)
	if err != nil {
		return xerrors.Errorf("failed to set %s: %v", setting, err)
	}

	c.logger.Info().Str(setting, value).Msg("setting changed")

	return nil
}

// SetResolution sets the frame size, either by name ("VGA") or by firmware
// index.
func (c *Client) SetResolution(ctx context.Context, resolution string) error {
	index, ok := Resolutions[strings.ToUpper(resolution)]
	if ok {
		return c.setInt(ctx, "framesize", index)
	}
	return c.Set(ctx, "framesize", resolution)
}

// SetQuality sets the JPEG quality, from 0 (best) to 63.
func (c *Client) SetQuality(ctx context.Context, quality int) error {
	if quality < 0 || quality > 63 {
		return xerrors.Errorf("quality must be within [0, 63], got %d", quality)
	}
	return c.setInt(ctx, "quality", quality)
}

func (c *Client) SetBrightness(ctx context.Context, level int) error {
	return c.setLevel(ctx, "brightness", level)
}

func (c *Client) SetContrast(ctx context.Context, level int) error {
	return c.setLevel(ctx, "contrast", level)
}

func (c *Client) SetSaturation(ctx context.Context, level int) error {
	return c.setLevel(ctx, "saturation", level)
}

func (c *Client) SetSpecialEffect(ctx context.Context, effect int) error {
	return c.setInt(ctx, "special_effect", effect)
}

func (c *Client) SetWhiteBalance(ctx context.Context, enable bool) error {
	return c.setBool(ctx, "awb", enable)
}

func (c *Client) SetExposureControl(ctx context.Context, enable bool) error {
	return c.setBool(ctx, "aec", enable)
}

func (c *Client) SetGainControl(ctx context.Context, enable bool) error {
	return c.setBool(ctx, "agc", enable)
}

func (c *Client) FlipVertical(ctx context.Context, enable bool) error {
	return c.setBool(ctx, "vflip", enable)
}

func (c *Client) FlipHorizontal(ctx context.Context, enable bool) error {
	return c.setBool(ctx, "hmirror", enable)
}

func (c *Client) setLevel(ctx context.Context, setting string, level int) error {
	if level < -2 || level > 2 {
		return xerrors.Errorf("%s must be within [-2, 2], got %d", setting, level)
	}
	return c.setInt(ctx, setting, level)
}

func (c *Client) setInt(ctx context.Context, setting string, value int) error {
	return c.Set(ctx, setting, strconv.Itoa(value))
}

func (c *Client) setBool(ctx context.Context, setting string, enable bool) error {
	value := 0
	if enable {
		value = 1
	}
	return c.setInt(ctx, setting, value)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, timeout time.Duration,
	limit int64) ([]byte, error) {

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, xerrors.Errorf("invalid request: %v", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, impl.NewError(impl.KindResourceAcquisition, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, StatusError{Path: path, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, impl.NewError(impl.KindTransientIO, path, err)
	}

	return body, nil
}
