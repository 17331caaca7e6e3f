package webrtc

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// readSenderRTCP drains receiver reports coming back from a viewer and logs
// loss and jitter.
func readSenderRTCP(sender *webrtc.RTPSender, logger *zap.SugaredLogger) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		logReports(packets, logger)
	}
}

// readReceiverRTCP drains RTCP on the viewer side.
func readReceiverRTCP(receiver *webrtc.RTPReceiver, logger *zap.SugaredLogger) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		logReports(packets, logger)
	}
}

func logReports(packets []rtcp.Packet, logger *zap.SugaredLogger) {
	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				fields := []interface{}{
					"fraction_lost", report.FractionLost,
					"jitter", report.Jitter,
				}
				if report.LastSenderReport != 0 && report.Delay != 0 {
					rtt := time.Duration(report.Delay) * time.Second / 65536
					fields = append(fields, "rtt", rtt)
				}
				logger.Debugw("receiver report", fields...)
			}
		case *rtcp.SenderReport:
			logger.Debugw("sender report",
				"packet_count", p.PacketCount,
				"octet_count", p.OctetCount,
			)
		}
	}
}
