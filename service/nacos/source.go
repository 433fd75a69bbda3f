package nacos

import (
	"net"
	"strconv"
	"time"

	"marketsync/logger"
	"marketsync/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

const DefaultGroup = "DEFAULT_GROUP"

// Source points at one YAML document held by a nacos config server.
type Source struct {
	Addr      string // host:port
	Namespace string
	DataID    string
	Group     string
	Username  string
	Password  string
	Timeout   time.Duration
	CacheDir  string
	LogDir    string
}

func (s Source) Enabled() bool { return s.Addr != "" && s.DataID != "" }

func (s Source) param() vo.ConfigParam {
	group := s.Group
	if group == "" {
		group = DefaultGroup
	}
	return vo.ConfigParam{DataId: s.DataID, Group: group}
}

func serverConfig(addr string) (constant.ServerConfig, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return constant.ServerConfig{}, errs.ErrValidation.WrapMsg("bad nacos addr", "addr", addr, "err", err)
	}
	p, err := strconv.ParseUint(port, 10, 64)
	if err != nil {
		return constant.ServerConfig{}, errs.ErrValidation.WrapMsg("bad nacos port", "addr", addr, "err", err)
	}
	return *constant.NewServerConfig(host, p), nil
}

func clientConfig(s Source) constant.ClientConfig {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := []constant.ClientOption{
		constant.WithNamespaceId(s.Namespace),
		constant.WithTimeoutMs(uint64(timeout.Milliseconds())),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel("warn"),
	}
	if s.Username != "" {
		opts = append(opts, constant.WithUsername(s.Username), constant.WithPassword(s.Password))
	}
	if s.CacheDir != "" {
		opts = append(opts, constant.WithCacheDir(s.CacheDir))
	}
	if s.LogDir != "" {
		opts = append(opts, constant.WithLogDir(s.LogDir))
	}
	return *constant.NewClientConfig(opts...)
}

func NewClient(s Source) (config_client.IConfigClient, error) {
	sc, err := serverConfig(s.Addr)
	if err != nil {
		return nil, err
	}
	cc := clientConfig(s)
	client, err := clients.NewConfigClient(vo.NacosClientParam{
		ClientConfig:  &cc,
		ServerConfigs: []constant.ServerConfig{sc},
	})
	if err != nil {
		return nil, errs.ErrNetwork.WrapMsg("nacos config client", "addr", s.Addr, "err", err)
	}
	return client, nil
}

// Fetch reads the document once.
func Fetch(s Source) ([]byte, error) {
	client, err := NewClient(s)
	if err != nil {
		return nil, err
	}
	defer client.CloseClient()

	content, err := client.GetConfig(s.param())
	if err != nil {
		return nil, errs.ErrNetwork.WrapMsg("nacos get config", "dataId", s.DataID, "err", err)
	}
	return []byte(content), nil
}

// Watch calls onChange with every new revision of the document until the
// returned stop func runs.
func Watch(s Source, onChange func(raw []byte)) (stop func(), err error) {
	client, err := NewClient(s)
	if err != nil {
		return nil, err
	}
	param := s.param()
	param.OnChange = func(namespace, group, dataId, data string) {
		logger.Info("[NACOS] config changed", zap.String("dataId", dataId), zap.String("group", group))
		onChange([]byte(data))
	}
	if err := client.ListenConfig(param); err != nil {
		client.CloseClient()
		return nil, errs.ErrNetwork.WrapMsg("nacos listen config", "dataId", s.DataID, "err", err)
	}
	return func() {
		if err := client.CancelListenConfig(s.param()); err != nil {
			logger.Debug("[NACOS] cancel listen", zap.Error(err))
		}
		client.CloseClient()
	}, nil
}
