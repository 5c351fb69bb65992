package manager

import (
	"context"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/completion"
	"github.com/srg/blegov/internal/governor"
	"github.com/srg/blegov/internal/transport"
)

func (m *Manager) characteristic(url address.URL) (governor.CharacteristicGovernor, error) {
	if !url.IsCharacteristic() {
		return nil, transport.Unsupported(url, "%s is not a characteristic url", url)
	}
	return m.CharacteristicGovernor(url), nil
}

// Read reads the characteristic at url as soon as its governor is ready. The
// characteristic's device must be connected for that to happen.
func (m *Manager) Read(ctx context.Context, url address.URL) ([]byte, error) {
	c, err := m.characteristic(url)
	if err != nil {
		return nil, err
	}
	f := completion.Submit(c.Completions(), c, governor.Ready[governor.CharacteristicGovernor],
		func(c governor.CharacteristicGovernor) ([]byte, error) { return c.Read() })
	value, err := f.Wait(ctx)
	if err != nil {
		f.Cancel()
		return nil, fault.Wrap(err,
			fctx.With(ctx, "url", url.String()),
			fmsg.With("read failed"),
		)
	}
	return value, nil
}

// Write writes data to the characteristic at url as soon as its governor is ready.
func (m *Manager) Write(ctx context.Context, url address.URL, data []byte) error {
	c, err := m.characteristic(url)
	if err != nil {
		return err
	}
	f := completion.Submit(c.Completions(), c, governor.Ready[governor.CharacteristicGovernor],
		func(c governor.CharacteristicGovernor) (struct{}, error) { return struct{}{}, c.Write(data) })
	if _, err := f.Wait(ctx); err != nil {
		f.Cancel()
		return fault.Wrap(err,
			fctx.With(ctx, "url", url.String()),
			fmsg.With("write failed"),
		)
	}
	return nil
}

// Connect sets the connection control of the device url points into and waits until
// its services are resolved.
func (m *Manager) Connect(ctx context.Context, url address.URL) (governor.DeviceGovernor, error) {
	d := m.DeviceGovernor(url)
	d.SetConnectionControl(true)
	f := completion.Submit(d.Completions(), d, governor.DeviceServicesResolved,
		func(d governor.DeviceGovernor) (governor.DeviceGovernor, error) { return d, nil })
	if _, err := f.Wait(ctx); err != nil {
		f.Cancel()
		return nil, fault.Wrap(err,
			fctx.With(ctx, "url", d.URL().String()),
			fmsg.With("connect failed"),
		)
	}
	return d, nil
}
