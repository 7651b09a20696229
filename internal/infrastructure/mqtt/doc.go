// Package mqtt connects the BLE link manager to an MQTT broker.
//
// The client wraps paho with the behaviour the rest of the service relies on:
//   - auto-reconnect with backoff, restoring every subscription afterwards
//   - a retained online/offline status on Topics.Status, with the offline
//     payload registered as the Last Will
//   - handler panics recovered and logged instead of killing paho's router
//
// Two packages sit on top of it. bridges/linkmqtt publishes device state
// and accepts scan/connect/disconnect/toggle commands, and transport/mqttradio
// drives a radio that lives on another host.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        action, id, _ := mqtt.ParseCommand(topic)
//	        ...
//	    })
package mqtt
