package service

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/go-logr/logr"
	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tinkerbell/dhcplink/internal/dhcp/client"
	"github.com/tinkerbell/dhcplink/internal/dhcp/data"
	"github.com/tinkerbell/dhcplink/internal/engine"
	"github.com/tinkerbell/dhcplink/internal/engine/enginetest"
	"github.com/tinkerbell/dhcplink/internal/handle"
	"github.com/tinkerbell/dhcplink/internal/service/mock_service"
	"github.com/tinkerbell/dhcplink/internal/status"
)

func device() *client.Device {
	return client.NewDevice("eth0", enginetest.New(net.HardwareAddr{0x02, 0, 0, 0, 0, 1}))
}

func installed(t *testing.T) (*Registry, *handle.Table, *client.Device) {
	t.Helper()
	tb := &handle.Table{}
	r := New(logr.Discard(), tb)
	d := device()
	require.NoError(t, r.Install(context.Background(), d))

	return r, tb, d
}

func TestCreateDestroy(t *testing.T) {
	ctx := context.Background()
	r, tb, _ := installed(t)

	h, err := r.CreateChild(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, r.Len())
	require.Equal(t, 2, tb.Len())

	i, err := r.Instance(h)
	require.NoError(t, err)
	require.Equal(t, h, i.Handle())

	require.NoError(t, r.DestroyChild(ctx, h))
	require.Equal(t, 0, r.Len())
	require.Equal(t, 1, tb.Len())

	err = r.DestroyChild(ctx, h)
	require.ErrorIs(t, err, status.ErrUnsupported)
}

func TestDestroyClearsActive(t *testing.T) {
	ctx := context.Background()
	r, _, d := installed(t)
	h, err := r.CreateChild(ctx)
	require.NoError(t, err)
	i, err := r.Instance(h)
	require.NoError(t, err)
	require.NoError(t, i.Configure(ctx, &data.Config{}))
	require.Same(t, i, d.Active())

	other, err := r.CreateChild(ctx)
	require.NoError(t, err)
	require.NoError(t, r.DestroyChild(ctx, other))
	require.Same(t, i, d.Active(), "destroying another child keeps the active configuration")

	require.NoError(t, r.DestroyChild(ctx, h))
	require.Nil(t, d.Active())
}

func TestCreateChildKeepsActive(t *testing.T) {
	ctx := context.Background()
	r, _, d := installed(t)
	h, err := r.CreateChild(ctx)
	require.NoError(t, err)
	i, err := r.Instance(h)
	require.NoError(t, err)
	require.NoError(t, i.Configure(ctx, &data.Config{}))

	_, err = r.CreateChild(ctx)
	require.NoError(t, err)
	require.Same(t, i, d.Active())
}

func TestDisabled(t *testing.T) {
	ctx := context.Background()
	r := New(logr.Discard(), &handle.Table{})
	_, err := r.CreateChild(ctx)
	require.ErrorIs(t, err, status.ErrAccessDenied)

	r, _, _ = installed(t)
	h, err := r.CreateChild(ctx)
	require.NoError(t, err)
	require.NoError(t, r.Uninstall(ctx))
	require.NoError(t, r.Uninstall(ctx), "second uninstall is a no-op")

	_, err = r.CreateChild(ctx)
	require.ErrorIs(t, err, status.ErrAccessDenied)
	// the instance was unpublished with the registry.
	require.ErrorIs(t, r.DestroyChild(ctx, h), status.ErrUnsupported)
}

func TestUninstallTearsDownDevice(t *testing.T) {
	ctx := context.Background()
	r, tb, d := installed(t)
	h, err := r.CreateChild(ctx)
	require.NoError(t, err)
	i, err := r.Instance(h)
	require.NoError(t, err)
	require.NoError(t, i.Configure(ctx, &data.Config{
		Callback:   func(data.State) {},
		OptionList: []*data.PacketOption{{OpCode: 12, Data: []byte("n")}},
	}))

	require.NoError(t, r.Uninstall(ctx))
	require.Equal(t, 0, tb.Len())
	require.Nil(t, d.Active())
	require.Nil(t, d.Options())
}

func TestDestroyChildUnknownHandle(t *testing.T) {
	r, _, _ := installed(t)
	err := r.DestroyChild(context.Background(), uuid.New())
	require.ErrorIs(t, err, status.ErrUnsupported)

	// a handle that resolves to something other than an instance.
	err = r.DestroyChild(context.Background(), r.Handle())
	require.ErrorIs(t, err, status.ErrUnsupported)
}

func TestBinderFailures(t *testing.T) {
	errPublish := errors.New("publish failed")
	tests := map[string]struct {
		expect  func(m *mock_service.MockBinder)
		run     func(t *testing.T, r *Registry) error
		wantErr error
	}{
		"install": {
			expect: func(m *mock_service.MockBinder) {
				m.EXPECT().Install(gomock.Any(), gomock.Any()).Return(errPublish)
			},
			run: func(t *testing.T, r *Registry) error {
				return r.Install(context.Background(), device())
			},
			wantErr: errPublish,
		},
		"create child": {
			expect: func(m *mock_service.MockBinder) {
				gomock.InOrder(
					m.EXPECT().Install(gomock.Any(), gomock.Any()).Return(nil),
					m.EXPECT().Install(gomock.Any(), gomock.AssignableToTypeOf(&client.Instance{})).Return(errPublish),
				)
			},
			run: func(t *testing.T, r *Registry) error {
				require.NoError(t, r.Install(context.Background(), device()))
				_, err := r.CreateChild(context.Background())
				require.Equal(t, 0, r.Len())
				return err
			},
			wantErr: errPublish,
		},
		"uninstall keeps going": {
			expect: func(m *mock_service.MockBinder) {
				m.EXPECT().Install(gomock.Any(), gomock.Any()).Return(nil).Times(3)
				m.EXPECT().Uninstall(gomock.Any(), gomock.AssignableToTypeOf(&client.Instance{})).Return(errPublish).Times(2)
				m.EXPECT().Uninstall(gomock.Any(), gomock.AssignableToTypeOf(&Registry{})).Return(nil)
			},
			run: func(t *testing.T, r *Registry) error {
				require.NoError(t, r.Install(context.Background(), device()))
				for k := 0; k < 2; k++ {
					_, err := r.CreateChild(context.Background())
					require.NoError(t, err)
				}
				return r.Uninstall(context.Background())
			},
			wantErr: errPublish,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			m := mock_service.NewMockBinder(ctrl)
			tt.expect(m)
			r := New(logr.Discard(), m)
			if err := tt.run(t, r); !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// Configure on a child sees the engine through the device.
func TestChildDrivesEngine(t *testing.T) {
	ctx := context.Background()
	e := enginetest.New(net.HardwareAddr{0x02, 0, 0, 0, 0, 2})
	d := client.NewDevice("eth1", e)
	r := New(logr.Discard(), &handle.Table{})
	require.NoError(t, r.Install(ctx, d))
	h, err := r.CreateChild(ctx)
	require.NoError(t, err)
	i, err := r.Instance(h)
	require.NoError(t, err)

	require.NoError(t, i.Configure(ctx, &data.Config{OptionList: []*data.PacketOption{{OpCode: 60, Data: []byte("x")}}}))
	require.Equal(t, []engine.Option{{Code: 60, Value: []byte("x")}}, e.Options())
}
