package cli

import (
	"context"

	"github.com/ontree-co/flashnode/internal/node"
	"github.com/ontree-co/flashnode/internal/programmer"
)

// NewManagerAdapter wraps a node.Manager for CLI usage.
func NewManagerAdapter(manager *node.Manager) Manager {
	return &managerAdapter{manager: manager}
}

type managerAdapter struct {
	manager *node.Manager
}

func (m *managerAdapter) Serve(ctx context.Context) error {
	return m.manager.Serve(ctx)
}

func (m *managerAdapter) Flash(ctx context.Context, req FlashRequest) <-chan ProgressEvent {
	return convertEvents(m.manager.Flash(ctx, node.FlashRequest{
		Profile:   req.Profile,
		ImagePath: req.ImagePath,
		URL:       req.URL,
		Options: programmer.Options{
			Part:             req.Part,
			Programmer:       req.Programmer,
			Port:             req.Port,
			Baud:             req.Baud,
			BitClock:         req.BitClock,
			ConfigFile:       req.ConfigFile,
			DisableAutoErase: req.DisableAutoErase,
			DisableVerify:    req.DisableVerify,
			Verbose:          req.Verbose,
			ExtraVerbose:     req.ExtraVerbose,
			Quiet:            req.Quiet,
			Force:            req.Force,
			EraseChip:        req.EraseChip,
			ExtendedParams:   req.ExtendedParams,
			MemoryOperations: req.MemoryOperations,
		},
	}))
}

func (m *managerAdapter) Ports(ctx context.Context, probe bool) ([]Port, error) {
	ports, err := m.manager.Ports(ctx, probe)
	if err != nil {
		return nil, err
	}
	converted := make([]Port, 0, len(ports))
	for _, p := range ports {
		converted = append(converted, Port{
			Name:      p.Name,
			IsUSB:     p.IsUSB,
			VID:       p.VID,
			PID:       p.PID,
			Probed:    p.Probed,
			Available: p.Available,
			Error:     p.Error,
		})
	}
	return converted, nil
}

func (m *managerAdapter) Profiles(_ context.Context) ([]Profile, error) {
	profiles := m.manager.Profiles()
	converted := make([]Profile, 0, len(profiles))
	for _, p := range profiles {
		converted = append(converted, Profile{
			Name:        p.Name,
			Description: p.Description,
			Part:        p.Part,
			Programmer:  p.Programmer,
			Baud:        p.Baud,
		})
	}
	return converted, nil
}

func (m *managerAdapter) Operations(ctx context.Context, limit int) ([]Operation, error) {
	records, err := m.manager.Operations(ctx, limit)
	if err != nil {
		return nil, err
	}
	converted := make([]Operation, 0, len(records))
	for _, r := range records {
		converted = append(converted, Operation{
			ID:        r.ID,
			Type:      r.OperationType,
			Status:    r.Status,
			Message:   r.Message,
			CreatedAt: r.CreatedAt,
		})
	}
	return converted, nil
}

func (m *managerAdapter) Check(ctx context.Context) ([]Check, error) {
	results := m.manager.Check(ctx)
	converted := make([]Check, 0, len(results))
	for _, r := range results {
		converted = append(converted, Check{
			ID:          r.ID,
			Name:        r.Name,
			Status:      string(r.Status),
			Message:     r.Message,
			Details:     r.Details,
			Remediation: r.Remediation,
		})
	}
	return converted, nil
}

func (m *managerAdapter) Close() {
	m.manager.Close()
}

func convertEvents(input <-chan node.ProgressEvent) <-chan ProgressEvent {
	out := make(chan ProgressEvent, 1)
	go func() {
		defer close(out)
		for event := range input {
			out <- ProgressEvent{
				Type:    event.Type,
				Message: event.Message,
				Code:    event.Code,
				Data:    event.Data,
			}
		}
	}()
	return out
}
