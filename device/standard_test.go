package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbfs-cdc/device/hal"
	"github.com/ardnew/usbfs-cdc/pkg"
)

// configuredHandler returns a handler for a configured test device.
func configuredHandler(t *testing.T) (*StandardRequestHandler, *Device, *recordingDriver) {
	t.Helper()
	dev, rec := buildTestDevice(t)
	dev.Reset()
	require.NoError(t, dev.SetAddress(5))
	require.NoError(t, dev.SetConfiguration(1))
	return NewStandardRequestHandler(dev), dev, rec
}

func handle(h *StandardRequestHandler, req hal.SetupPacket) ([]byte, error) {
	setup := SetupPacket(req)
	return h.HandleSetup(&setup, nil)
}

func TestStandardGetDescriptor(t *testing.T) {
	h, _, _ := configuredHandler(t)

	tests := []struct {
		name    string
		req     hal.SetupPacket
		wantLen int
		want    []byte
		wantErr error
	}{
		{"device", GetDescriptorRequest(DescriptorTypeDevice, 0, 0, 64), DeviceDescriptorSize, nil, nil},
		{"device truncated", GetDescriptorRequest(DescriptorTypeDevice, 0, 0, 8), 8, nil, nil},
		{"configuration header", GetDescriptorRequest(DescriptorTypeConfiguration, 0, 0, 9), 9, nil, nil},
		{"configuration full", GetDescriptorRequest(DescriptorTypeConfiguration, 0, 0, 255), testConfigSize, nil, nil},
		{"configuration index out of range", GetDescriptorRequest(DescriptorTypeConfiguration, 1, 0, 255), 0, nil, pkg.ErrInvalidRequest},
		{"languages", GetDescriptorRequest(DescriptorTypeString, 0, 0, 255), 4, []byte{4, 3, 0x09, 0x04}, nil},
		{"missing string", GetDescriptorRequest(DescriptorTypeString, 7, LangIDUSEnglish, 255), 0, nil, pkg.ErrInvalidRequest},
		{"qualifier at full speed", GetDescriptorRequest(DescriptorTypeDeviceQualifier, 0, 0, 10), 0, nil, pkg.ErrNotSupported},
		{"unknown type", GetDescriptorRequest(0x42, 0, 0, 10), 0, nil, pkg.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := handle(h, tt.req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, data, tt.wantLen)
			if tt.want != nil {
				assert.Equal(t, tt.want, data)
			}
		})
	}
}

func TestStandardConfigurationHeaderLength(t *testing.T) {
	h, _, _ := configuredHandler(t)
	data, err := handle(h, GetDescriptorRequest(DescriptorTypeConfiguration, 0, 0, 9))
	require.NoError(t, err)

	var hdr ConfigurationDescriptor
	require.NoError(t, ParseConfigurationDescriptor(data, &hdr))
	assert.Equal(t, uint16(testConfigSize), hdr.TotalLength)
	assert.Equal(t, uint8(1), hdr.ConfigurationValue)
}

func TestStandardDeviceStatusAndFeatures(t *testing.T) {
	h, _, _ := configuredHandler(t)

	data, err := handle(h, GetStatusRequest(RequestRecipientDevice, 0))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, data)

	_, err = handle(h, SetFeatureRequest(RequestRecipientDevice, FeatureDeviceRemoteWakeup, 0))
	require.NoError(t, err)
	data, err = handle(h, GetStatusRequest(RequestRecipientDevice, 0))
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 0}, data)

	_, err = handle(h, ClearFeatureRequest(RequestRecipientDevice, FeatureDeviceRemoteWakeup, 0))
	require.NoError(t, err)

	_, err = handle(h, SetFeatureRequest(RequestRecipientDevice, FeatureTestMode, 0))
	assert.ErrorIs(t, err, pkg.ErrInvalidRequest)
}

func TestStandardConfigurationRequests(t *testing.T) {
	h, dev, _ := configuredHandler(t)

	data, err := handle(h, GetConfigurationRequest())
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, data)

	_, err = handle(h, SetConfigurationRequest(2))
	assert.ErrorIs(t, err, pkg.ErrInvalidRequest)

	_, err = handle(h, SetConfigurationRequest(0))
	require.NoError(t, err)
	assert.Equal(t, StateAddress, dev.State())

	data, err = handle(h, GetConfigurationRequest())
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, data)
}

func TestStandardInterfaceRequests(t *testing.T) {
	h, _, rec := configuredHandler(t)

	data, err := handle(h, GetInterfaceRequest(1))
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, data)

	data, err = handle(h, GetStatusRequest(RequestRecipientInterface, 1))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, data)

	_, err = handle(h, SetInterfaceRequest(1, 0))
	require.NoError(t, err)
	assert.Equal(t, []uint8{0}, rec.alts)

	_, err = handle(h, GetInterfaceRequest(4))
	assert.ErrorIs(t, err, pkg.ErrInvalidRequest)
}

func TestStandardEndpointHalt(t *testing.T) {
	h, _, _ := configuredHandler(t)

	data, err := handle(h, GetStatusRequest(RequestRecipientEndpoint, 0x81))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, data)

	_, err = handle(h, SetFeatureRequest(RequestRecipientEndpoint, FeatureEndpointHalt, 0x81))
	require.NoError(t, err)
	data, err = handle(h, GetStatusRequest(RequestRecipientEndpoint, 0x81))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0}, data)

	_, err = handle(h, ClearFeatureRequest(RequestRecipientEndpoint, FeatureEndpointHalt, 0x81))
	require.NoError(t, err)
	data, err = handle(h, GetStatusRequest(RequestRecipientEndpoint, 0x81))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, data)

	data, err = handle(h, GetStatusRequest(RequestRecipientEndpoint, 0x80))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, data)

	_, err = handle(h, GetStatusRequest(RequestRecipientEndpoint, 0x85))
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)
}

func TestStandardRejectsClassRequests(t *testing.T) {
	h, _, _ := configuredHandler(t)
	_, err := handle(h, ClassInterfaceRequest(true, 0x21, 0, 0, 7))
	assert.ErrorIs(t, err, pkg.ErrInvalidRequest)
}

func TestSetupPacketFields(t *testing.T) {
	setup := SetupPacket(GetDescriptorRequest(DescriptorTypeString, 2, LangIDUSEnglish, 255))
	assert.True(t, setup.IsDeviceToHost())
	assert.True(t, setup.IsStandard())
	assert.True(t, setup.IsDeviceRecipient())
	assert.Equal(t, uint8(DescriptorTypeString), setup.DescriptorType())
	assert.Equal(t, uint8(2), setup.DescriptorIndex())

	class := SetupPacket(ClassInterfaceRequest(false, 0x22, 0x0003, 2, 0))
	assert.True(t, class.IsHostToDevice())
	assert.True(t, class.IsClass())
	assert.True(t, class.IsInterfaceRecipient())
	assert.Equal(t, uint8(2), class.InterfaceNumber())
	assert.Equal(t,
		"SETUP[OUT Class Interface] Request=0x22 Value=0x0003 Index=0x0002 Length=0",
		class.String())
}
