package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// ServiceConfig описывает регистрацию сервиса в Consul
type ServiceConfig struct {
	Name string
	ID   string
	// Host адрес, по которому Consul и другие сервисы достучатся до нас (SERVICE_ADVERTISE_HOST)
	Host string
	Port int
	Tags []string
}

// ConsulClient - регистрация и поиск сервисов через Consul agent
type ConsulClient struct {
	client *api.Client
	logger *zap.Logger
}

// NewConsulClient создаёт клиента и проверяет связь с агентом
func NewConsulClient(addr string, logger *zap.Logger) (*ConsulClient, error) {
	config := api.DefaultConfig()
	config.Address = addr

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	if _, err := client.Agent().Self(); err != nil {
		return nil, fmt.Errorf("failed to connect to consul: %w", err)
	}

	logger.Info("connected to consul", zap.String("addr", addr))
	return &ConsulClient{client: client, logger: logger}, nil
}

// Register регистрирует сервис с HTTP health check на /health
func (c *ConsulClient) Register(cfg ServiceConfig) error {
	registration := &api.AgentServiceRegistration{
		ID:      cfg.ID,
		Name:    cfg.Name,
		Port:    cfg.Port,
		Address: cfg.Host,
		Tags:    cfg.Tags,
		Check: &api.AgentServiceCheck{
			HTTP:                           "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)) + "/health",
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "30s",
		},
	}

	if err := c.client.Agent().ServiceRegister(registration); err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}

	c.logger.Info("registered service in consul",
		zap.String("name", cfg.Name),
		zap.String("id", cfg.ID),
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)
	return nil
}

// Deregister возвращает shutdown функцию, снимающую регистрацию
func (c *ConsulClient) Deregister(serviceID string) func(context.Context) error {
	return func(context.Context) error {
		if err := c.client.Agent().ServiceDeregister(serviceID); err != nil {
			return fmt.Errorf("failed to deregister service: %w", err)
		}
		c.logger.Info("deregistered service from consul", zap.String("id", serviceID))
		return nil
	}
}

// ServiceURL возвращает http://host:port первого здорового экземпляра сервиса
func (c *ConsulClient) ServiceURL(ctx context.Context, name string) (string, error) {
	q := (&api.QueryOptions{}).WithContext(ctx)
	entries, _, err := c.client.Health().Service(name, "", true, q)
	if err != nil {
		return "", fmt.Errorf("failed to get service %s: %w", name, err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("no healthy instances of %s found", name)
	}

	svc := entries[0].Service
	host := svc.Address
	if host == "" && entries[0].Node != nil {
		// Address пустой - берём адрес узла агента
		host = entries[0].Node.Address
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(svc.Port)), nil
}

// PortFromAddr достаёт порт из HTTP_ADDR вида "0.0.0.0:8003"
func PortFromAddr(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return port, nil
}
