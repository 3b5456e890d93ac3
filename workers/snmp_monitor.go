package workers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"
	log "github.com/sirupsen/logrus"

	"dev.hon.one/tantalum/common"
	"dev.hon.one/tantalum/registry"
	"dev.hon.one/tantalum/store"
)

// Standard OIDs polled per cycle.
const (
	oidSysUpTime       = "1.3.6.1.2.1.1.3.0"
	oidHrProcessorLoad = "1.3.6.1.2.1.25.3.3.1.2" // HOST-RESOURCES-MIB, per core
	oidIfDescr         = "1.3.6.1.2.1.2.2.1.2"
	oidIfOperStatus    = "1.3.6.1.2.1.2.2.1.8"
	oidIfInOctets      = "1.3.6.1.2.1.2.2.1.10"
	oidIfOutOctets     = "1.3.6.1.2.1.2.2.1.16"
	oidDot1qVlanName   = "1.3.6.1.2.1.17.7.1.4.3.1.1" // IEEE 802.1Q VLAN MIB
)

// Metric names stored by the monitor worker.
const (
	MetricSysUpTime  = "sys_uptime_seconds"
	MetricCPULoad    = "cpu_load_percent"
	MetricIfStatus   = "if_oper_status"
	MetricIfInOctets = "if_in_octets"
	MetricIfOutOcts  = "if_out_octets"
	MetricVLAN       = "vlan_member"
)

// ProtocolClient - An open management protocol session to a device.
type ProtocolClient interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	BulkWalk(rootOid string, walkFn gosnmp.WalkFunc) error
	Close() error
}

// ConnectFunc - Opens a management protocol session. Replaceable in tests.
type ConnectFunc func(device common.Device, community string, timeout time.Duration) (ProtocolClient, error)

// MonitorWorker - Issues management protocol queries against a device and
// records metric samples. Polling is best-effort: sub-queries that succeed
// are stored even when others fail.
type MonitorWorker struct {
	Registry             *registry.Registry
	Metrics              *store.MetricStore
	Events               *store.EventLog
	QueryTimeout         time.Duration
	UnreachableThreshold int

	// Connect - Session factory. Replaceable in tests.
	Connect ConnectFunc

	failMutex           sync.Mutex
	consecutiveFailures map[string]int
}

// NewMonitorWorker - Create a monitor worker using real SNMP sessions.
func NewMonitorWorker(reg *registry.Registry, metrics *store.MetricStore, events *store.EventLog, config common.Config) *MonitorWorker {
	return &MonitorWorker{
		Registry:             reg,
		Metrics:              metrics,
		Events:               events,
		QueryTimeout:         config.QueryTimeout(),
		UnreachableThreshold: config.UnreachablePollThreshold,
		Connect:              connectSNMP,
		consecutiveFailures:  make(map[string]int),
	}
}

type subQuery struct {
	name string
	run  func(client ProtocolClient, now time.Time, deviceID string) ([]common.MetricSample, error)
}

// RunPoll - Run one poll cycle for the device. Good samples are stored even
// when some sub-queries fail; exactly one event record is written per cycle.
func (worker *MonitorWorker) RunPoll(ctx context.Context, device common.Device) ([]common.MetricSample, error) {
	startTime := time.Now()
	community := "public"
	if device.CommunityID != "" {
		if credential, found := worker.Registry.Credential(device.CommunityID); found && credential.Community != "" {
			community = credential.Community
		}
	}

	subQueries := []subQuery{
		{name: "system", run: worker.querySystem},
		{name: "interfaces", run: worker.queryInterfaces},
		{name: "vlans", run: worker.queryVLANs},
	}

	var samples []common.MetricSample
	var failed []string

	client, err := worker.Connect(device, community, worker.QueryTimeout)
	if err != nil {
		for _, query := range subQueries {
			failed = append(failed, fmt.Sprintf("%v: %v", query.name, err))
		}
	} else {
		defer client.Close()
		for _, query := range subQueries {
			if ctx.Err() != nil {
				failed = append(failed, fmt.Sprintf("%v: %v", query.name, ctx.Err()))
				continue
			}
			querySamples, err := query.run(client, startTime, device.ID)
			if err != nil {
				failed = append(failed, fmt.Sprintf("%v: %v", query.name, err))
				continue
			}
			samples = append(samples, querySamples...)
		}
	}

	if len(samples) > 0 {
		worker.Metrics.Add(samples...)
	}

	record := common.EventRecord{
		DeviceID: device.ID,
		JobKind:  common.JobMonitor,
		Duration: time.Since(startTime),
	}
	var pollErr error
	switch {
	case len(failed) == 0:
		worker.resetFailures(device.ID)
		worker.Registry.SetStatus(device.ID, common.DeviceStatusOnline)
		record.Kind = common.EventSuccess
		record.Detail = fmt.Sprintf("poll stored %v samples", len(samples))
	case len(samples) > 0:
		worker.resetFailures(device.ID)
		record.Kind = common.EventPartialFailure
		record.Detail = fmt.Sprintf("poll stored %v samples, failed sub-queries: %v", len(samples), strings.Join(failed, "; "))
		pollErr = common.ErrPartialFailure
	default:
		failures := worker.addFailure(device.ID)
		worker.Registry.SetStatus(device.ID, common.DeviceStatusOffline)
		if failures >= worker.UnreachableThreshold {
			record.Kind = common.EventUnreachable
			record.Detail = fmt.Sprintf("poll failed %v consecutive times: %v", failures, strings.Join(failed, "; "))
		} else {
			record.Kind = common.EventFailure
			record.Detail = fmt.Sprintf("poll failed: %v", strings.Join(failed, "; "))
		}
		pollErr = common.ErrUnreachable
	}
	if err := worker.Events.Record(record); err != nil {
		log.WithError(err).Error("Failed to record poll event")
	}

	return samples, pollErr
}

func (worker *MonitorWorker) querySystem(client ProtocolClient, now time.Time, deviceID string) ([]common.MetricSample, error) {
	packet, err := client.Get([]string{oidSysUpTime})
	if err != nil {
		return nil, err
	}
	if packet.Error != gosnmp.NoError {
		return nil, fmt.Errorf("SNMP error status %v", packet.Error)
	}
	var samples []common.MetricSample
	for _, variable := range packet.Variables {
		if variable.Type == gosnmp.NoSuchObject || variable.Type == gosnmp.NoSuchInstance {
			continue
		}
		if variable.Type == gosnmp.TimeTicks {
			ticks := gosnmp.ToBigInt(variable.Value).Int64()
			samples = append(samples, common.MetricSample{
				DeviceID: deviceID,
				Time:     now,
				Name:     MetricSysUpTime,
				Value:    float64(ticks) / 100.0,
			})
		}
	}

	// CPU load per core, best-effort (not all switches expose HOST-RESOURCES)
	core := 0
	_ = client.BulkWalk(oidHrProcessorLoad, func(pdu gosnmp.SnmpPDU) error {
		if pdu.Type != gosnmp.Integer {
			return nil
		}
		samples = append(samples, common.MetricSample{
			DeviceID: deviceID,
			Time:     now,
			Name:     MetricCPULoad,
			Value:    float64(gosnmp.ToBigInt(pdu.Value).Int64()),
			Labels:   map[string]string{"core": fmt.Sprintf("%d", core)},
		})
		core++
		return nil
	})

	if len(samples) == 0 {
		return nil, fmt.Errorf("no system objects returned")
	}
	return samples, nil
}

func (worker *MonitorWorker) queryInterfaces(client ProtocolClient, now time.Time, deviceID string) ([]common.MetricSample, error) {
	descriptions := make(map[string]string)
	if err := client.BulkWalk(oidIfDescr, func(pdu gosnmp.SnmpPDU) error {
		if raw, ok := pdu.Value.([]byte); ok {
			descriptions[indexOf(pdu.Name, oidIfDescr)] = string(raw)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var samples []common.MetricSample
	columns := []struct {
		oid  string
		name string
	}{
		{oidIfOperStatus, MetricIfStatus},
		{oidIfInOctets, MetricIfInOctets},
		{oidIfOutOctets, MetricIfOutOcts},
	}
	for _, column := range columns {
		if err := client.BulkWalk(column.oid, func(pdu gosnmp.SnmpPDU) error {
			switch pdu.Type {
			case gosnmp.Integer, gosnmp.Counter32, gosnmp.Counter64, gosnmp.Gauge32, gosnmp.Uinteger32:
			default:
				return nil
			}
			index := indexOf(pdu.Name, column.oid)
			labels := map[string]string{"if_index": index}
			if description, found := descriptions[index]; found {
				labels["if_descr"] = description
			}
			samples = append(samples, common.MetricSample{
				DeviceID: deviceID,
				Time:     now,
				Name:     column.name,
				Value:    float64(gosnmp.ToBigInt(pdu.Value).Int64()),
				Labels:   labels,
			})
			return nil
		}); err != nil {
			return nil, err
		}
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("interface table walk returned nothing")
	}
	return samples, nil
}

func (worker *MonitorWorker) queryVLANs(client ProtocolClient, now time.Time, deviceID string) ([]common.MetricSample, error) {
	var samples []common.MetricSample
	if err := client.BulkWalk(oidDot1qVlanName, func(pdu gosnmp.SnmpPDU) error {
		raw, ok := pdu.Value.([]byte)
		if !ok {
			return nil
		}
		samples = append(samples, common.MetricSample{
			DeviceID: deviceID,
			Time:     now,
			Name:     MetricVLAN,
			Value:    1,
			Labels: map[string]string{
				"vlan_id":   indexOf(pdu.Name, oidDot1qVlanName),
				"vlan_name": string(raw),
			},
		})
		return nil
	}); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("VLAN table walk returned nothing")
	}
	return samples, nil
}

func (worker *MonitorWorker) resetFailures(deviceID string) {
	worker.failMutex.Lock()
	delete(worker.consecutiveFailures, deviceID)
	worker.failMutex.Unlock()
}

func (worker *MonitorWorker) addFailure(deviceID string) int {
	worker.failMutex.Lock()
	defer worker.failMutex.Unlock()
	worker.consecutiveFailures[deviceID]++
	return worker.consecutiveFailures[deviceID]
}

// Table row index relative to a column root OID.
func indexOf(name string, root string) string {
	return strings.TrimPrefix(strings.TrimPrefix(name, "."+root), ".")
}

func connectSNMP(device common.Device, community string, timeout time.Duration) (ProtocolClient, error) {
	client := &gosnmp.GoSNMP{
		Target:    device.Address,
		Port:      161,
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   timeout,
		Retries:   1,
	}
	if err := client.Connect(); err != nil {
		return nil, err
	}
	return &snmpClient{client: client}, nil
}

type snmpClient struct {
	client *gosnmp.GoSNMP
}

func (wrapper *snmpClient) Get(oids []string) (*gosnmp.SnmpPacket, error) {
	return wrapper.client.Get(oids)
}

func (wrapper *snmpClient) BulkWalk(rootOid string, walkFn gosnmp.WalkFunc) error {
	return wrapper.client.BulkWalk(rootOid, walkFn)
}

func (wrapper *snmpClient) Close() error {
	return wrapper.client.Conn.Close()
}
